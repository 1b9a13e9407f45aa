// Package amqputil publishes to and consumes from RabbitMQ.
package amqputil

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Declarer declares the exchanges and queues a client uses.
// It runs on every new channel, so it must be idempotent.
type Declarer func(ch *amqp091.Channel) error

type Client struct {
	connectionString string
	declare          Declarer
}

func NewClient(connectionString string, declare Declarer) *Client {
	return &Client{
		connectionString: connectionString,
		declare:          declare,
	}
}

func (cli *Client) channel() (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if cli.declare != nil {
		if err = cli.declare(ch); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, ch, nil
}

// Publish proxies [amqp091.Channel.PublishWithContext].
func (cli *Client) Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	conn, ch, err := cli.channel()
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	defer ch.Close()

	return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Subscriber starts a consumer on ch.
type Subscriber func(ch *amqp091.Channel) (<-chan amqp091.Delivery, error)

// Consume calls handle for every delivery of subscribe until ctx is done.
// When the connection is lost it reconnects with a growing wait.
func (cli *Client) Consume(ctx context.Context, subscribe Subscriber, handle func(amqp091.Delivery)) error {
	retries := 0
	for {
		consumeErr := func() error {
			conn, ch, err := cli.channel()
			if err != nil {
				return err
			}
			defer conn.Close()
			defer ch.Close()

			messages, err := subscribe(ch)
			if err != nil {
				return err
			}

			slog.Debug("starting consuming")
			for {
				select {
				case m, ok := <-messages:
					if !ok {
						return errors.New("delivery channel is closed")
					}
					handle(m)
					if retries > 0 && !ch.IsClosed() {
						slog.Info("recovered", "retries", retries)
						retries = 0
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("didn't consume", "err", consumeErr)

		retries++
		select {
		case <-time.After(retryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
		slog.Info("retrying", "retries", retries)
	}
}

// retryWaitDuration calculates the wait duration for a retry.
// It is calculated using exponential backoff with jitter.
// It grows with each retry and stops growing after thirteenth retry
// where it is chosen from the the interval (32.4s, 97.4s).
// The first retry number is 0, the thirteenth is 12.
func retryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	// start with 0.5s
	duration := second / 2

	// multiply by 1.5 to the power of n
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
