// Package bus defines the topic-exchange pub/sub contract every domain
// communicates through. Producers and consumers share nothing but this
// contract and the envelope format.
package bus

import (
	"context"
	"strings"

	"github.com/shopfabric/fulfillment/internal/domain/event"
)

// Exchanges are durable topic exchanges, one per domain, asserted when a
// bus implementation connects.
const (
	ExchangeOrder   = "order.events"
	ExchangeStock   = "stock.events"
	ExchangePayment = "payment.events"
	ExchangeUser    = "user.events"
	ExchangeReturn  = "return.events"
)

func Exchanges() []string {
	return []string{ExchangeOrder, ExchangeStock, ExchangePayment, ExchangeUser, ExchangeReturn}
}

const DefaultMaxRetries = 3

// Outcome is the handler's explicit acknowledgement decision.
type Outcome int

const (
	// OutcomeAck removes the message from the queue permanently.
	OutcomeAck Outcome = iota
	// OutcomeRetry redelivers the message with an incremented retry
	// count until the subscription's MaxRetries is exhausted, then the
	// message is dead-lettered.
	OutcomeRetry
	// OutcomeReject dead-letters the message immediately.
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeReject:
		return "reject"
	}
	return "unknown"
}

// Result carries the outcome and, for retries and rejections, the cause.
type Result struct {
	Outcome Outcome
	Err     error
}

func Ack() Result             { return Result{Outcome: OutcomeAck} }
func Retry(err error) Result  { return Result{Outcome: OutcomeRetry, Err: err} }
func Reject(err error) Result { return Result{Outcome: OutcomeReject, Err: err} }

// Handler is invoked once per delivered message. Delivery is at least
// once; handlers must be idempotent with respect to redelivery.
type Handler func(ctx context.Context, env event.Envelope) Result

type SubscribeOptions struct {
	MaxRetries int
}

// Bus connects the domains. Publish acknowledges local buffering only;
// callers needing delivery guarantees go through the outbox. Subscribe
// idempotently declares the queue, binds it to the exchange with the
// routing-key pattern and registers the handler. Subscriptions sharing a
// queue name form a competing-consumer group.
type Bus interface {
	Publish(ctx context.Context, exchange string, env event.Envelope) error
	Subscribe(exchange, queue, routingKey string, handler Handler, opts SubscribeOptions) error
}

// DeadLetterSink receives messages that exhausted their retries or were
// rejected outright.
type DeadLetterSink interface {
	Push(ctx context.Context, queue string, payload []byte, cause error)
}

// MatchTopic reports whether a routing key matches an AMQP-style binding
// pattern: "*" matches exactly one dot-separated word, "#" matches zero
// or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if matchWords(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern[1:], key[1:])
	default:
		if len(key) == 0 || pattern[0] != key[0] {
			return false
		}
		return matchWords(pattern[1:], key[1:])
	}
}
