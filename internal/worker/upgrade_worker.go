package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"alphachat/internal/model"
	rabbitmqClient "alphachat/internal/platform/rabbitmq"
)

// SettlementApplier grants premium for a settled payment. It must be idempotent since the broker
// may deliver an event more than once.
type SettlementApplier interface {
	ApplySettlement(ctx context.Context, event model.SettlementEvent) error
}

// UpgradeWorker consumes settlement events and applies them one at a time.
type UpgradeWorker struct {
	conn      *amqp.Connection
	applier   SettlementApplier
	queueName string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUpgradeWorker(conn *amqp.Connection, applier SettlementApplier, queueName string, logger *slog.Logger) *UpgradeWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeWorker{
		conn:      conn,
		applier:   applier,
		queueName: queueName,
		logger:    logger.With(slog.String("component", "upgrade_worker")),
	}
}

func (w *UpgradeWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmqClient.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.logger.Warn("delivery channel closed")
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *UpgradeWorker) handle(ctx context.Context, d amqp.Delivery) {
	var event model.SettlementEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		w.logger.Error("decode settlement failed", slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}

	if err := w.applier.ApplySettlement(ctx, event); err != nil {
		// One redelivery for transient store failures; applying is idempotent.
		w.logger.Error("apply settlement failed",
			slog.Uint64("user_id", uint64(event.UserID)),
			slog.String("reference", event.Reference),
			slog.Bool("redelivered", d.Redelivered),
			slog.Any("error", err),
		)
		_ = d.Nack(false, !d.Redelivered)
		return
	}

	_ = d.Ack(false)
}

func (w *UpgradeWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
