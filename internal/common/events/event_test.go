package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelateStampsContextIDs(t *testing.T) {
	e, err := NewEvent(EventPaymentCompleted, "t1", "transaction", "TXN-1", map[string]string{"status": "completed"})
	require.NoError(t, err)

	Correlate(context.Background(), []*Event{e})
	assert.Empty(t, e.CorrelationID)

	ctx := ContextWithCorrelation(context.Background(), "corr-1", "req-1")
	Correlate(ctx, []*Event{e})
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "req-1", e.CausationID)
}
