package infrastructure

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"iara_bot/internal/entities"
)

// TelegramNotifier alerts a Telegram chat when a contact asks for a human.
type TelegramNotifier struct {
	Bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram notifier: %w", entities.ErrNotConfigured)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{Bot: bot, chatID: chatID}, nil
}

// NewTelegramNotifierWithBot wraps an already constructed bot.
func NewTelegramNotifierWithBot(bot *tgbotapi.BotAPI, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{Bot: bot, chatID: chatID}
}

func (t *TelegramNotifier) NotifyHandoff(ctx context.Context, business *entities.BusinessProfile, conv *entities.Conversation, text, keyword string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	contact := conv.ContactPhone
	if conv.ContactName != "" {
		contact = fmt.Sprintf("%s (%s)", conv.ContactName, conv.ContactPhone)
	}

	var sb strings.Builder
	sb.WriteString("🙋 Atendimento humano solicitado\n\n")
	sb.WriteString(fmt.Sprintf("Empresa: %s\n", business.Name))
	sb.WriteString(fmt.Sprintf("Contato: %s\n", contact))
	sb.WriteString(fmt.Sprintf("Palavra-chave: %s\n", keyword))
	sb.WriteString(fmt.Sprintf("Conversa: %s\n\n", conv.ID))
	sb.WriteString(text)

	msg := tgbotapi.NewMessage(t.chatID, sb.String())
	if _, err := t.Bot.Send(msg); err != nil {
		return fmt.Errorf("telegram handoff: %w", err)
	}
	return nil
}
