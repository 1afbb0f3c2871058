package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"alphachat/internal/model"
)

// DeclareQueue declares the durable queue shared by the publisher and the upgrade worker.
func DeclareQueue(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s failed: %w", name, err)
	}
	return nil
}

// SettlementPublisher enqueues confirmed payments for the upgrade worker.
type SettlementPublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewSettlementPublisher(conn *amqp.Connection, queueName string) *SettlementPublisher {
	return &SettlementPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *SettlementPublisher) Publish(ctx context.Context, event model.SettlementEvent) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := DeclareQueue(ch, p.queueName); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal settlement payload failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.Reference,
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish settlement failed: %w", err)
	}
	return nil
}
