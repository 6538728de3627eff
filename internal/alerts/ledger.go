package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/notify"
	"pricewatch/internal/watchlist"
)

// Book is the part of the watchlist the ledger reads and marks.
type Book interface {
	Normalize(raw string) string
	Pending(symbol string) []watchlist.Alert
	MarkTriggered(symbol string, price float64) bool
}

// Crossing is one alert satisfied by a tick.
type Crossing struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Threshold decimal.Decimal `json:"threshold"`
	Time      time.Time       `json:"time"`
}

// Title renders "AAPL reached $151.00".
func (c Crossing) Title() string {
	return fmt.Sprintf("%s reached $%s", c.Symbol, c.Price.StringFixed(2))
}

// Body renders "Your alert at $150.00 was triggered."
func (c Crossing) Body() string {
	return fmt.Sprintf("Your alert at $%s was triggered.", c.Threshold.StringFixed(2))
}

// Notification converts the crossing into a deliverable notification.
func (c Crossing) Notification() notify.Notification {
	return notify.New(c.Symbol, c.Title(), c.Body(), c.Price.InexactFloat64(), c.Threshold.InexactFloat64(), c.Time)
}

// Ledger evaluates ticks against the untriggered alerts in a Book.
type Ledger struct {
	book     Book
	notifier notify.Notifier
}

func NewLedger(book Book, notifier notify.Notifier) *Ledger {
	return &Ledger{book: book, notifier: notifier}
}

// Evaluate checks every untriggered alert on sym against price. The check is
// stateless: any alert with price >= threshold is a crossing, whatever the
// previous tick was. Each crossing is notified and then marked triggered, so
// a later tick can never fire it again.
func (l *Ledger) Evaluate(ctx context.Context, sym string, price float64, at time.Time) []Crossing {
	key := l.book.Normalize(sym)
	pending := l.book.Pending(key)
	if len(pending) == 0 {
		return nil
	}

	p := decimal.NewFromFloat(price)
	var out []Crossing
	for _, a := range pending {
		thr := decimal.NewFromFloat(a.Price)
		if p.LessThan(thr) {
			continue
		}
		c := Crossing{Symbol: key, Price: p, Threshold: thr, Time: at}
		if l.notifier != nil {
			l.notifier.Notify(ctx, c.Notification())
		}
		l.book.MarkTriggered(key, a.Price)
		out = append(out, c)
	}
	return out
}
