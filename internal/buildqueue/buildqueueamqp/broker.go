// Package buildqueueamqp notifies agents about queued jobs and the result
// processor about stored results through RabbitMQ. The queue itself stays in
// Postgres, a lost notification only delays work until the next poll.
package buildqueueamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/localci/internal/amqputil"
	"github.com/k11v/localci/internal/buildqueue"
)

const (
	// ExchangeJobQueued fans job-queued notifications out to every agent.
	ExchangeJobQueued = "localci.job.queued"
	// QueueResultStored holds stored results until the result processor delivered them.
	QueueResultStored = "localci.result.stored"
)

var _ buildqueue.Notifier = (*Broker)(nil)

type Broker struct {
	client *amqputil.Client
}

func NewBroker(connectionString string) *Broker {
	return &Broker{client: amqputil.NewClient(connectionString, declare)}
}

func declare(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(
		ExchangeJobQueued, // name
		"fanout",          // kind
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(
		QueueResultStored, // name
		true,              // durable
		false,             // delete when unused
		false,             // exclusive
		false,             // no-wait
		nil,               // arguments
	)
	return err
}

func (b *Broker) JobQueued(ctx context.Context) error {
	msg := amqp091.Publishing{ContentType: "application/json", Body: []byte("{}")}
	if err := b.client.Publish(ctx, ExchangeJobQueued, "", msg); err != nil {
		return fmt.Errorf("buildqueueamqp.Broker: %w", err)
	}
	return nil
}

type resultStoredMessage struct {
	JobID *uuid.UUID `json:"jobId"`
}

func (b *Broker) ResultStored(ctx context.Context, jobID uuid.UUID) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(&resultStoredMessage{JobID: &jobID}); err != nil {
		return fmt.Errorf("buildqueueamqp.Broker: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body.Bytes(),
	}
	if err := b.client.Publish(ctx, "", QueueResultStored, msg); err != nil {
		return fmt.Errorf("buildqueueamqp.Broker: %w", err)
	}
	return nil
}

// WatchJobs calls fn for every job-queued notification until ctx is done.
// Notifications published while the watcher is disconnected are lost.
func (b *Broker) WatchJobs(ctx context.Context, fn func()) error {
	subscribe := func(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
		q, err := ch.QueueDeclare(
			"",    // name
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return nil, err
		}
		if err = ch.QueueBind(q.Name, "", ExchangeJobQueued, false, nil); err != nil {
			return nil, err
		}
		return ch.Consume(q.Name, "", true, true, false, false, nil)
	}
	return b.client.Consume(ctx, subscribe, func(amqp091.Delivery) { fn() })
}

// ConsumeResults calls fn for every stored result until ctx is done.
// A delivery is acknowledged when fn succeeds and dropped otherwise,
// undelivered results are swept from the store.
func (b *Broker) ConsumeResults(ctx context.Context, fn func(ctx context.Context, jobID uuid.UUID) error) error {
	subscribe := func(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
		if err := ch.Qos(1, 0, false); err != nil {
			return nil, err
		}
		return ch.Consume(QueueResultStored, "", false, false, false, false, nil)
	}
	handle := func(m amqp091.Delivery) {
		jobID, err := decodeResultStored(m.Body)
		if err != nil {
			slog.Error("invalid result message", "err", err)
			_ = m.Nack(false, false)
			return
		}
		if err = fn(ctx, jobID); err != nil {
			slog.Error("didn't handle stored result", "job_id", jobID, "err", err)
			_ = m.Nack(false, false)
			return
		}
		_ = m.Ack(false)
	}
	return b.client.Consume(ctx, subscribe, handle)
}

func decodeResultStored(body []byte) (uuid.UUID, error) {
	var msg resultStoredMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return uuid.Nil, fmt.Errorf("invalid body: %w", err)
	}
	if dec.More() {
		return uuid.Nil, errors.New("invalid body: multiple top-level values")
	}

	// Body field jobId.
	if msg.JobID == nil {
		return uuid.Nil, fmt.Errorf("missing %s body field", "jobId")
	}
	return *msg.JobID, nil
}
