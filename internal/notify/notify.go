package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification is a fire-and-forget alert delivery.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Threshold float64   `json:"threshold"`
	Time      time.Time `json:"time"`
}

// New stamps a notification with a fresh ID.
func New(symbol, title, body string, price, threshold float64, at time.Time) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Symbol:    symbol,
		Price:     price,
		Threshold: threshold,
		Time:      at,
	}
}

// Notifier delivers notifications. Implementations log their own failures;
// delivery never reports back into the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Log writes every notification to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, n Notification) {
	l.Logger.Info("price alert",
		zap.String("id", n.ID),
		zap.String("symbol", n.Symbol),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Float64("price", n.Price),
		zap.Float64("threshold", n.Threshold),
	)
}

// Multi fans out to every notifier in order. Nil entries are skipped.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(ctx, n)
		}
	}
}
