package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/events"
)

type recordingPublisher struct {
	events []*events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func TestDispatcherPublishesNotificationEvent(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d.Notify(context.Background(), Notification{
		Kind:     KindBillPaid,
		TenantID: "tenant-1",
		UserIDs:  []string{"user-1"},
		Subject:  "Bill paid",
		Data:     map[string]string{"bill_number": "BILL-0000ABCD"},
	})

	require.Len(t, pub.events, 1)
	evt := pub.events[0]
	assert.Equal(t, "notification.bill_paid", evt.Type)
	assert.Equal(t, "tenant-1", evt.TenantID)

	var n Notification
	require.NoError(t, evt.DecodeData(&n))
	assert.Equal(t, "BILL-0000ABCD", n.Data["bill_number"])
}

func TestDispatcherSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Notification{Kind: KindPaymentFailed, TenantID: "t"})
	})
	assert.Empty(t, pub.events)
}
