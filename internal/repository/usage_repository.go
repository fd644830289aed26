package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type UsageRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

type DailyUsage struct {
	Date             time.Time `json:"date"`
	MessagesSent     int       `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
}

type UsageSummary struct {
	TodaySent     int `json:"today_sent"`
	TodayReceived int `json:"today_received"`
	MonthSent     int `json:"month_sent"`
	MonthReceived int `json:"month_received"`
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

// IncrementSent increments messages_sent for today
func (r *UsageRepository) IncrementSent(ctx context.Context, businessID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO message_usage (business_id, date, messages_sent, messages_received)
		VALUES ($1, $2, 1, 0)
		ON CONFLICT (business_id, date)
		DO UPDATE SET messages_sent = message_usage.messages_sent + 1
	`, businessID, r.today())
	if err != nil {
		return fmt.Errorf("increment sent: %w", err)
	}
	return nil
}

// IncrementReceived increments messages_received for today
func (r *UsageRepository) IncrementReceived(ctx context.Context, businessID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO message_usage (business_id, date, messages_sent, messages_received)
		VALUES ($1, $2, 0, 1)
		ON CONFLICT (business_id, date)
		DO UPDATE SET messages_received = message_usage.messages_received + 1
	`, businessID, r.today())
	if err != nil {
		return fmt.Errorf("increment received: %w", err)
	}
	return nil
}

// GetSummary returns today's and this month's counters.
func (r *UsageRepository) GetSummary(ctx context.Context, businessID string) (*UsageSummary, error) {
	now := r.now()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var s UsageSummary
	err := r.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(messages_sent) FILTER (WHERE date = $2), 0),
			COALESCE(SUM(messages_received) FILTER (WHERE date = $2), 0),
			COALESCE(SUM(messages_sent), 0),
			COALESCE(SUM(messages_received), 0)
		FROM message_usage WHERE business_id = $1 AND date >= $3
	`, businessID, r.today(), firstOfMonth).Scan(&s.TodaySent, &s.TodayReceived, &s.MonthSent, &s.MonthReceived)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &s, nil
}

// GetUsageHistory returns last N days of usage
func (r *UsageRepository) GetUsageHistory(ctx context.Context, businessID string, days int) ([]DailyUsage, error) {
	start := r.today().AddDate(0, 0, -(days - 1))
	rows, err := r.db.Query(ctx, `
		SELECT date, messages_sent, messages_received
		FROM message_usage
		WHERE business_id = $1 AND date >= $2
		ORDER BY date ASC
	`, businessID, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := []DailyUsage{}
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.Date, &u.MessagesSent, &u.MessagesReceived); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (r *UsageRepository) today() time.Time {
	now := r.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
