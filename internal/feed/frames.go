package feed

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameTrade       = "trade"
)

// Tick is one trade print as delivered by the feed. Symbol is the raw feed
// symbol; consumers normalize it.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

type controlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type tradeRow struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p"`
	Timestamp int64   `json:"t"`
	Volume    float64 `json:"v"`
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeError reports a frame that could not be parsed. The frame is dropped.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func encodeControl(kind, symbol string) ([]byte, error) {
	return json.Marshal(controlFrame{Type: kind, Symbol: symbol})
}

// decodeFrame returns the ticks of a trade frame in batch order. Frames of any
// other type yield no ticks and no error. Each row decodes on its own: a
// malformed row is dropped and counted in bad, and rows with an empty symbol
// are skipped, without affecting the rest of the batch. err is set only when
// the envelope itself cannot be parsed or data is not an array.
func decodeFrame(data []byte) (ticks []Tick, bad int, err error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, 0, &DecodeError{Frame: data, Err: err}
	}
	if in.Type != frameTrade || len(in.Data) == 0 {
		return nil, 0, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return nil, 0, &DecodeError{Frame: data, Err: fmt.Errorf("trade data: %w", err)}
	}
	ticks = make([]Tick, 0, len(rows))
	for _, raw := range rows {
		var r tradeRow
		if err := json.Unmarshal(raw, &r); err != nil {
			bad++
			continue
		}
		if r.Symbol == "" {
			continue
		}
		ticks = append(ticks, Tick{
			Symbol: r.Symbol,
			Price:  r.Price,
			Volume: r.Volume,
			Time:   time.UnixMilli(r.Timestamp),
		})
	}
	return ticks, bad, nil
}
