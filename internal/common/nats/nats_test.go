package nats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"estateledger/internal/common/events"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.bill.paid", Subject(events.EventBillPaid))
	assert.Equal(t, "events.notification.bill.reminder", Subject(events.NotificationPrefix+"bill.reminder"))
}

func TestDomainStreamExcludesRelayedCallbacks(t *testing.T) {
	callback := Subject(events.EventGatewayCallback)
	for _, s := range events.StreamSubjects {
		prefix := strings.TrimSuffix(s, ">")
		assert.False(t, strings.HasPrefix(callback, prefix), "%s captures %s", s, callback)
	}
	for _, typ := range []string{events.EventWalletCredited, events.EventPaymentCompleted, events.EventBillPaid, events.EventRecurringPaused} {
		subject := Subject(typ)
		matched := false
		for _, s := range events.StreamSubjects {
			if strings.HasPrefix(subject, strings.TrimSuffix(s, ">")) {
				matched = true
			}
		}
		assert.True(t, matched, "%s not captured by the domain stream", subject)
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig("LEDGER", events.StreamSubjects)
	assert.Equal(t, "LEDGER", cfg.Name)
	assert.Positive(t, cfg.Duplicates)
	assert.Equal(t, 1, cfg.Replicas)
}
