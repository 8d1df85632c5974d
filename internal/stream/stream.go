package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const attemptsHeader = "attempts"

// Message is one outbound record destined for a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	headers []kafka.Header
}

// Handler processes one delivered message and returns the messages to publish
// downstream. Handlers must be idempotent: the delivery mechanism is
// at-least-once and the same message may arrive again on redelivery.
type Handler interface {
	Name() string
	Handle(ctx context.Context, value []byte) ([]Message, error)
}

type publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes messages to Kafka, routing each to its own topic.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a publisher for the given brokers.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			MaxAttempts:  3,
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish writes every message; a failed write fails the whole call so the
// caller's delivery is retried rather than partially applied.
func (p *Publisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, kafka.Message{
			Topic:   m.Topic,
			Key:     []byte(m.Key),
			Value:   m.Value,
			Headers: m.headers,
		})
	}
	if err := p.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// ConsumerConfig bounds one stage consumer. Concurrency caps in-flight
// handler invocations across partitions; within a partition messages are
// always processed in order.
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Concurrency int
	MaxAttempts int
	Timeout     time.Duration
	DeadLetter  bool
}

// Consumer runs one stage: fetch, handle, publish the handler's output,
// commit. Failed deliveries are republished to the same topic with an
// incremented attempts header until the retry budget is exhausted, then moved
// to the stage's dead-letter topic.
//
// Each partition gets its own worker so commits stay ordered: committing an
// offset acknowledges everything before it on that partition, so a later
// offset must never be committed while an earlier delivery is unresolved. A
// delivery whose retry or dead-letter write keeps failing is retried in place
// rather than skipped.
type Consumer struct {
	cfg       ConsumerConfig
	reader    *kafka.Reader
	pub       publisher
	committer committer
	handler   Handler
	log       *slog.Logger

	retryBackoff time.Duration
	dlqBackoff   time.Duration
}

// NewConsumer wires a consumer for one stage.
func NewConsumer(cfg ConsumerConfig, pub *Publisher, handler Handler, log *slog.Logger) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit only
	})
	return &Consumer{
		cfg:          cfg,
		reader:       reader,
		pub:          pub,
		committer:    reader,
		handler:      handler,
		log:          log.With("stage", handler.Name(), "topic", cfg.Topic),
		retryBackoff: time.Second,
		dlqBackoff:   time.Second,
	}
}

// Run consumes until the context is cancelled, routing each message to its
// partition's worker.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	slots := make(chan struct{}, c.cfg.Concurrency)
	partitions := make(map[int]chan kafka.Message)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer func() {
		for _, ch := range partitions {
			close(ch)
		}
	}()

	c.log.Info("stage consumer started",
		slog.Int("concurrency", c.cfg.Concurrency),
		slog.Int("max_attempts", c.cfg.MaxAttempts),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.log.Info("context canceled, stopping")
				return nil
			}
			c.log.Error("fetch message", slog.Any("err", err))
			continue
		}

		ch, ok := partitions[msg.Partition]
		if !ok {
			ch = make(chan kafka.Message, 1)
			partitions[msg.Partition] = ch
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.runPartition(ctx, ch, slots)
			}()
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// runPartition processes one partition's messages strictly in order. An
// unresolved delivery is retried in place with backoff; advancing past it
// would let the next commit supersede its offset and silently drop it.
func (c *Consumer) runPartition(ctx context.Context, ch <-chan kafka.Message, slots chan struct{}) {
	for msg := range ch {
		backoff := c.retryBackoff
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			resolved := c.process(ctx, msg)
			<-slots

			if resolved || ctx.Err() != nil {
				break
			}
			c.log.Warn("delivery unresolved, retrying in place",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

// process runs the handler once and resolves the delivery: publish then
// commit, republish for retry, or dead-letter. It reports whether the
// delivery was resolved; false means the partition worker must run it again
// before moving on.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	invCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		invCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	out, err := c.handler.Handle(invCtx, msg.Value)
	if err == nil {
		if len(out) > 0 {
			if pubErr := c.pub.Publish(ctx, out...); pubErr != nil {
				c.log.Error("publish downstream", slog.Any("err", pubErr))
				return false
			}
		}
		c.commit(ctx, msg)
		return true
	}

	attempts := readAttempts(msg.Headers) + 1
	if attempts < c.cfg.MaxAttempts {
		c.log.Warn("handler failed, scheduling retry",
			slog.Any("err", err),
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
		)
		retry := Message{
			Topic:   c.cfg.Topic,
			Key:     string(msg.Key),
			Value:   msg.Value,
			headers: []kafka.Header{{Key: attemptsHeader, Value: []byte(strconv.Itoa(attempts))}},
		}
		if pubErr := c.pub.Publish(ctx, retry); pubErr != nil {
			c.log.Error("republish for retry", slog.Any("err", pubErr))
			return false
		}
		c.commit(ctx, msg)
		return true
	}

	if !c.cfg.DeadLetter {
		c.log.Error("retries exhausted, dead-letter disabled, dropping message",
			slog.Any("err", err),
			slog.Int("attempts", attempts),
		)
		c.commit(ctx, msg)
		return true
	}

	c.log.Warn("retries exhausted, sending to dead-letter topic",
		slog.Any("err", err),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)
	dead := Message{
		Topic: c.cfg.Topic + "_dlq",
		Key:   string(msg.Key),
		Value: msg.Value,
		headers: append(msg.Headers,
			kafka.Header{Key: "original_partition", Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: "error", Value: []byte(err.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}
	if pubErr := c.publishWithBackoff(ctx, dead); pubErr != nil {
		c.log.Error("dead-letter write exhausted retries, delivery unresolved",
			slog.Any("err", pubErr),
			slog.Int64("offset", msg.Offset),
		)
		return false
	}
	c.commit(ctx, msg)
	return true
}

// publishWithBackoff retries a write with exponential backoff. Used for the
// dead-letter path where losing the message would mean losing a notice.
func (c *Consumer) publishWithBackoff(ctx context.Context, msg Message) error {
	var lastErr error
	for attempt := range 5 {
		if err := c.pub.Publish(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
			backoff := c.dlqBackoff << uint(attempt)
			c.log.Warn("dead-letter write failed, retrying",
				slog.Any("err", err),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// commit acknowledges the offset. A commit error does not unresolve the
// delivery: the uncommitted offset is simply redelivered later, which the
// idempotent handlers absorb.
func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.committer.CommitMessages(ctx, msg); err != nil {
		c.log.Error("commit message", slog.Any("err", err))
	}
}

func readAttempts(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == attemptsHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}
