package usecases

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"iara_bot/internal/entities"
	"iara_bot/internal/interfaces"
)

// GroundingContext is what the completion backend needs besides the current user turn.
type GroundingContext struct {
	System  string
	History []entities.Turn
	Stats   ContextStats
}

// ContextStats counts what went into a grounding document.
type ContextStats struct {
	Business   bool `json:"business"`
	Products   int  `json:"products"`
	Policies   int  `json:"policies"`
	Promotions int  `json:"promotions"`
	History    int  `json:"history"`
}

// ContextAssembler loads business facts and conversation history and renders them.
type ContextAssembler struct {
	catalog      interfaces.CatalogStore
	messages     interfaces.MessageStore
	historyLimit int
	timeout      time.Duration
}

func NewContextAssembler(catalog interfaces.CatalogStore, messages interfaces.MessageStore, historyLimit int, timeout time.Duration) *ContextAssembler {
	return &ContextAssembler{
		catalog:      catalog,
		messages:     messages,
		historyLimit: historyLimit,
		timeout:      timeout,
	}
}

// Build runs the four reads concurrently under one timeout. excludeMessageID keeps the message
// being answered out of the history.
func (a *ContextAssembler) Build(ctx context.Context, business *entities.BusinessProfile, style entities.ResolvedStyle, conversationID, excludeMessageID string, now time.Time) (*GroundingContext, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var (
		items    []entities.CatalogItem
		policies []entities.Policy
		promos   []entities.Promotion
		history  []entities.Message
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = a.catalog.ActiveCatalogItems(gctx, business.ID)
		return err
	})
	g.Go(func() error {
		var err error
		policies, err = a.catalog.ActivePolicies(gctx, business.ID)
		return err
	})
	g.Go(func() error {
		var err error
		promos, err = a.catalog.ActivePromotions(gctx, business.ID)
		return err
	})
	if conversationID != "" && a.historyLimit > 0 {
		g.Go(func() error {
			var err error
			history, err = a.messages.RecentMessages(gctx, conversationID, a.historyLimit, excludeMessageID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	items = activeItems(items)
	policies = activePolicies(policies)
	promos = validPromotions(promos, now)
	turns := HistoryTurns(history)

	return &GroundingContext{
		System:  RenderSystemPrompt(business, style, items, policies, promos),
		History: turns,
		Stats: ContextStats{
			Business:   true,
			Products:   len(items),
			Policies:   len(policies),
			Promotions: len(promos),
			History:    len(turns),
		},
	}, nil
}

func activeItems(in []entities.CatalogItem) []entities.CatalogItem {
	out := make([]entities.CatalogItem, 0, len(in))
	for _, it := range in {
		if it.Active {
			out = append(out, it)
		}
	}
	return out
}

func activePolicies(in []entities.Policy) []entities.Policy {
	out := make([]entities.Policy, 0, len(in))
	for _, p := range in {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

func validPromotions(in []entities.Promotion, now time.Time) []entities.Promotion {
	out := make([]entities.Promotion, 0, len(in))
	for _, p := range in {
		if p.ValidAt(now) {
			out = append(out, p)
		}
	}
	return out
}

// HistoryTurns maps stored messages to chat turns. Outbound rows not produced by the model
// (fallbacks, audio copies) are skipped, as are empty rows, and consecutive turns of the same
// role are merged so roles alternate.
func HistoryTurns(msgs []entities.Message) []entities.Turn {
	var turns []entities.Turn
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}

		var role entities.Role
		switch {
		case m.Direction == entities.DirectionInbound:
			role = entities.RoleUser
		case m.Direction == entities.DirectionOutbound && m.AIResponseGenerated && m.Type == entities.MessageText:
			role = entities.RoleAssistant
		default:
			continue
		}
		turns = appendTurn(turns, entities.Turn{Role: role, Content: content})
	}
	return turns
}

func appendTurn(turns []entities.Turn, t entities.Turn) []entities.Turn {
	if n := len(turns); n > 0 && turns[n-1].Role == t.Role {
		turns[n-1].Content += "\n" + t.Content
		return turns
	}
	return append(turns, t)
}

// BuildTurns assembles [system, history..., user] keeping roles alternating.
func BuildTurns(system string, history []entities.Turn, userText string) []entities.Turn {
	turns := make([]entities.Turn, 0, len(history)+2)
	turns = append(turns, entities.Turn{Role: entities.RoleSystem, Content: system})
	rest := make([]entities.Turn, 0, len(history)+1)
	for _, t := range history {
		rest = appendTurn(rest, t)
	}
	rest = appendTurn(rest, entities.Turn{Role: entities.RoleUser, Content: userText})
	return append(turns, rest...)
}

// StyleDirective returns the verbosity instruction; unknown styles get the balanced one.
func StyleDirective(style entities.ResponseStyle) string {
	switch style {
	case entities.StyleConcise:
		return "Seja conciso e direto nas respostas, use poucas palavras."
	case entities.StyleDetailed:
		return "Forneça respostas detalhadas e completas, explicando bem cada ponto."
	default:
		return "Mantenha um equilíbrio entre clareza e completude nas respostas."
	}
}

func toneLabel(t entities.Tone) string {
	switch t {
	case entities.ToneFormal:
		return "formal"
	case entities.ToneCasual:
		return "descontraído"
	case entities.ToneProfessional:
		return "profissional"
	case entities.ToneFriendly, "":
		return "amigável"
	}
	return string(t)
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RenderSystemPrompt renders the grounding document. Output depends only on its arguments and
// their order, never on map iteration or the clock.
func RenderSystemPrompt(b *entities.BusinessProfile, style entities.ResolvedStyle, items []entities.CatalogItem, policies []entities.Policy, promos []entities.Promotion) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Você é %s, assistente virtual da empresa %s.\n\n", orDefault(b.AIName, "Assistente"), b.Name)

	sb.WriteString("INFORMAÇÕES DA EMPRESA:\n")
	fmt.Fprintf(&sb, "- Nome: %s\n", b.Name)
	fmt.Fprintf(&sb, "- Descrição: %s\n", orDefault(b.Description, "Não informado"))
	fmt.Fprintf(&sb, "- Setor: %s\n", orDefault(b.Industry, "Não informado"))
	fmt.Fprintf(&sb, "- Tom de comunicação: %s\n", toneLabel(b.Tone))
	if p := strings.TrimSpace(b.AIPersonality); p != "" {
		fmt.Fprintf(&sb, "- Personalidade: %s\n", p)
	}
	sb.WriteString("\n")

	if len(items) == 0 {
		sb.WriteString("PRODUTOS E SERVIÇOS DISPONÍVEIS: nenhum item cadastrado no momento.\n\n")
	} else {
		fmt.Fprintf(&sb, "PRODUTOS E SERVIÇOS DISPONÍVEIS (%d itens):\n", len(items))
		for i, it := range items {
			fmt.Fprintf(&sb, "%d. %s", i+1, it.Name)
			if d := strings.TrimSpace(it.Description); d != "" {
				fmt.Fprintf(&sb, " - %s", d)
			}
			if it.Price != nil {
				fmt.Fprintf(&sb, " | Preço: R$ %s", formatNumber(*it.Price))
			}
			if it.Stock != nil {
				fmt.Fprintf(&sb, " | Estoque: %d unidades", *it.Stock)
			}
			if c := strings.TrimSpace(it.Category); c != "" {
				fmt.Fprintf(&sb, " | Categoria: %s", c)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(policies) > 0 {
		sb.WriteString("POLÍTICAS DA EMPRESA:\n")
		for i, p := range policies {
			fmt.Fprintf(&sb, "%d. %s (%s): %s\n", i+1, p.Title, p.Type, strings.TrimSpace(p.Description))
		}
		sb.WriteString("\n")
	}

	if len(promos) > 0 {
		sb.WriteString("PROMOÇÕES ATIVAS:\n")
		for i, p := range promos {
			fmt.Fprintf(&sb, "%d. %s", i+1, p.Title)
			if d := strings.TrimSpace(p.Description); d != "" {
				fmt.Fprintf(&sb, ": %s", d)
			}
			if p.DiscountPercentage != nil {
				fmt.Fprintf(&sb, " (%s%% de desconto)", formatNumber(*p.DiscountPercentage))
			}
			if p.DiscountAmount != nil {
				fmt.Fprintf(&sb, " (R$ %s de desconto)", formatNumber(*p.DiscountAmount))
			}
			if p.ValidUntil != nil {
				fmt.Fprintf(&sb, " | Válida até: %s", p.ValidUntil.UTC().Format("02/01/2006"))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("INSTRUÇÕES DE COMPORTAMENTO:\n")
	fmt.Fprintf(&sb, "- Responda em português, com tom %s.\n", toneLabel(b.Tone))
	fmt.Fprintf(&sb, "- %s\n", StyleDirective(style.ResponseStyle))
	sb.WriteString("- Se não souber a resposta, diga que vai verificar com a equipe.\n")
	sb.WriteString("- IMPORTANTE: Use APENAS as informações reais fornecidas acima. Nunca invente produtos, preços, estoques, políticas ou promoções.\n")
	sb.WriteString("- Termine toda resposta com uma chamada para ação, convidando o cliente a comprar, agendar ou tirar outra dúvida.\n")

	return sb.String()
}
