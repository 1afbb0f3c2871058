package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphachat/internal/model"
)

type ackRecorder struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

type applierFunc func(ctx context.Context, event model.SettlementEvent) error

func (f applierFunc) ApplySettlement(ctx context.Context, event model.SettlementEvent) error {
	return f(ctx, event)
}

func delivery(t *testing.T, ack amqp.Acknowledger, body any, redelivered bool) amqp.Delivery {
	t.Helper()
	raw, ok := body.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: raw, Redelivered: redelivered}
}

func TestHandleAcksAppliedSettlement(t *testing.T) {
	var got model.SettlementEvent
	w := NewUpgradeWorker(nil, applierFunc(func(_ context.Context, e model.SettlementEvent) error {
		got = e
		return nil
	}), "q", nil)

	ack := &ackRecorder{}
	w.handle(context.Background(), delivery(t, ack, model.SettlementEvent{UserID: 7, Reference: "cs_1"}, false))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, uint(7), got.UserID)
	assert.Equal(t, "cs_1", got.Reference)
}

func TestHandleDropsUndecodableMessage(t *testing.T) {
	called := false
	w := NewUpgradeWorker(nil, applierFunc(func(context.Context, model.SettlementEvent) error {
		called = true
		return nil
	}), "q", nil)

	ack := &ackRecorder{}
	w.handle(context.Background(), delivery(t, ack, []byte("{not json"), false))

	assert.False(t, called)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
}

func TestHandleRequeuesOnceOnFailure(t *testing.T) {
	w := NewUpgradeWorker(nil, applierFunc(func(context.Context, model.SettlementEvent) error {
		return errors.New("db down")
	}), "q", nil)

	first := &ackRecorder{}
	w.handle(context.Background(), delivery(t, first, model.SettlementEvent{UserID: 1}, false))
	assert.True(t, first.nacked)
	assert.True(t, first.requeued)

	second := &ackRecorder{}
	w.handle(context.Background(), delivery(t, second, model.SettlementEvent{UserID: 1}, true))
	assert.True(t, second.nacked)
	assert.False(t, second.requeued)
}
