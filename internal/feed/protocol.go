package feed

import (
	"encoding/json"
	"time"

	"pricewatch/internal/models"
)

const (
	msgTrade       = "trade"
	msgPing        = "ping"
	msgPong        = "pong"
	msgError       = "error"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
)

// inboundMessage is a frame received from the upstream stream.
type inboundMessage struct {
	Type string      `json:"type"`
	Data []tradeData `json:"data,omitempty"`
	Msg  string      `json:"msg,omitempty"`
}

// tradeData is one trade inside a trade frame.
type tradeData struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Time   int64   `json:"t"` // unix milliseconds
	Volume float64 `json:"v"`
}

// tick converts the trade to a canonical Tick. A missing trade time is
// replaced with the receive time.
func (d tradeData) tick(received time.Time) models.Tick {
	ts := received
	if d.Time != 0 {
		ts = time.UnixMilli(d.Time)
	}
	return models.Tick{
		Symbol:    models.CanonicalSymbol(d.Symbol),
		Price:     d.Price,
		Timestamp: ts,
		Volume:    d.Volume,
	}
}

// controlMessage is a subscribe, unsubscribe or pong frame.
type controlMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

func decodeMessage(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
