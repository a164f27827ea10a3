package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.cancelled", false},
		{"order.*", "order.created", true},
		{"order.*", "order.stock.reserved", false},
		{"order.#", "order.created", true},
		{"order.#", "order.stock.reserved", true},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"stock.*.reserved", "stock.order.reserved", true},
		{"stock.*.reserved", "stock.order.failed", false},
		{"stock.#.reserved", "stock.reserved", true},
		{"*.created", "order.created", true},
		{"*.created", "created", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key),
			"pattern %q key %q", tt.pattern, tt.key)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", OutcomeAck.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
	assert.Equal(t, "reject", OutcomeReject.String())
}
