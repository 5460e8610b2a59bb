package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/segmentio/kafka-go"
)

// Deliverer sends a notification to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	// Retries is how many times a failed delivery is retried before the
	// message is parked on the dead-letter topic.
	Retries int
}

type Consumer struct {
	reader     messageReader
	deadLetter messageWriter
	deliver    Deliverer
	retries    uint64
	newBackOff func() backoff.BackOff
}

func NewConsumer(cfg ConsumerConfig, deliver Deliverer) *Consumer {
	c := &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		deliver:    deliver,
		retries:    uint64(max(cfg.Retries, 0)),
		newBackOff: deliveryBackOff,
	}
	if cfg.DeadLetterTopic != "" {
		c.deadLetter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return c
}

func deliveryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Consume relays notifications until ctx is cancelled. Offsets are committed
// in order: a message is committed only after it was delivered, found
// unusable, or parked on the dead-letter topic. When it can be neither
// delivered nor parked, Consume returns with the offset uncommitted.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("failed to read Kafka message", "error", err)
			return err
		}

		var n models.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			slog.Error("failed to unmarshal notification", "offset", msg.Offset, "error", err)
			c.commit(ctx, msg)
			continue
		}
		if n.To == "" || n.Kind == "" {
			slog.Error("invalid notification: missing recipient or kind", "offset", msg.Offset)
			c.commit(ctx, msg)
			continue
		}

		if err := c.deliverWithRetry(ctx, n); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.park(ctx, msg, err); err != nil {
				return err
			}
			c.commit(ctx, msg)
			continue
		}

		c.commit(ctx, msg)
		slog.Info("notification delivered", "kind", n.Kind, "transaction_id", n.TransactionID, "listing_id", n.ListingID)
	}
}

func (c *Consumer) deliverWithRetry(ctx context.Context, n models.Notification) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries), ctx)
	return backoff.RetryNotify(func() error {
		return c.deliver.Deliver(ctx, n)
	}, b, func(err error, wait time.Duration) {
		slog.Warn("notification delivery failed, retrying",
			"kind", n.Kind,
			"transaction_id", n.TransactionID,
			"wait", wait,
			"error", err)
	})
}

// park copies msg to the dead-letter topic with the failure attached.
func (c *Consumer) park(ctx context.Context, msg kafka.Message, cause error) error {
	if c.deadLetter == nil {
		slog.Error("notification undeliverable and no dead-letter topic configured", "offset", msg.Offset, "error", cause)
		return fmt.Errorf("deliver notification at offset %d: %w", msg.Offset, cause)
	}

	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
		kafka.Header{Key: "source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "source_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	parked := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := c.deadLetter.WriteMessages(ctx, parked); err != nil {
		slog.Error("failed to park notification", "offset", msg.Offset, "error", err)
		return fmt.Errorf("park notification at offset %d: %w", msg.Offset, err)
	}
	slog.Warn("notification parked on dead-letter topic", "offset", msg.Offset, "error", cause)
	return nil
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		slog.Error("failed to commit Kafka message", "offset", msg.Offset, "error", err)
	}
}

func (c *Consumer) Close() error {
	var errs []error
	if c.deadLetter != nil {
		errs = append(errs, c.deadLetter.Close())
	}
	errs = append(errs, c.reader.Close())
	return errors.Join(errs...)
}
