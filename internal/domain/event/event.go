// Package event defines the envelope and the closed set of payloads
// exchanged between the order and inventory services. The envelope's
// type doubles as the AMQP routing key, so every constant below is a
// dot-case word chain that topic bindings can match with wildcards.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeOrderCreated       Type = "order.created"
	TypeOrderCancelled     Type = "order.cancelled"
	TypeStockOrderReserved Type = "stock.order.reserved"
	TypeStockOrderFailed   Type = "stock.order.failed"
	TypeStockUpdated       Type = "stock.updated"
	TypeStockLow           Type = "stock.low"
	TypeReturnApproved     Type = "return.approved"
)

var ErrUnknownType = fmt.Errorf("event: unknown type")

// Envelope is the wire frame around every payload. Data stays raw until
// Payload decodes it, so consumers only pay for events they understand.
type Envelope struct {
	Type          Type            `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func New(t Type, source string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: marshal %s: %w", t, err)
	}
	return Envelope{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}, nil
}

func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// RoutingKey is the topic key the envelope is published under.
func (e Envelope) RoutingKey() string {
	return string(e.Type)
}

// Payload decodes Data into the concrete payload for the envelope's
// type. The switch is the full event vocabulary; anything else is
// ErrUnknownType and should be treated as poison.
func (e Envelope) Payload() (any, error) {
	switch e.Type {
	case TypeOrderCreated:
		return decode[OrderCreated](e)
	case TypeOrderCancelled:
		return decode[OrderCancelled](e)
	case TypeStockOrderReserved:
		return decode[StockOrderReserved](e)
	case TypeStockOrderFailed:
		return decode[StockOrderFailed](e)
	case TypeStockUpdated:
		return decode[StockUpdated](e)
	case TypeStockLow:
		return decode[StockLow](e)
	case TypeReturnApproved:
		return decode[ReturnApproved](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

func decode[T any](e Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return payload, fmt.Errorf("event: decode %s: %w", e.Type, err)
	}
	return payload, nil
}

// Item is one order line as carried on the wire.
type Item struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

type OrderCreated struct {
	OrderID     string  `json:"orderId"`
	OrderNumber string  `json:"orderNumber"`
	UserID      string  `json:"userId"`
	Items       []Item  `json:"items"`
	TotalAmount float64 `json:"totalAmount"`
}

type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
	Reason  string `json:"reason"`
}

type StockOrderReserved struct {
	OrderID string `json:"orderId"`
}

type StockOrderFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
	Items   []Item `json:"items"`
}

type StockUpdated struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	LowStock  bool   `json:"lowStock"`
}

type StockLow struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

type ReturnApproved struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}
