package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	published []Message
	failures  int // number of calls to fail first; -1 fails every call
	err       error
}

func (p *stubPublisher) Publish(_ context.Context, msgs ...Message) error {
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return p.err
	}
	p.published = append(p.published, msgs...)
	return nil
}

type stubCommitter struct {
	committed []kafka.Message
}

func (c *stubCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.committed = append(c.committed, msgs...)
	return nil
}

type funcHandler struct {
	fn func(ctx context.Context, value []byte) ([]Message, error)
}

func (h *funcHandler) Name() string { return "test" }

func (h *funcHandler) Handle(ctx context.Context, value []byte) ([]Message, error) {
	return h.fn(ctx, value)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConsumer(cfg ConsumerConfig, pub publisher, com committer, handler Handler) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		cfg:          cfg,
		pub:          pub,
		committer:    com,
		handler:      handler,
		log:          discard(),
		retryBackoff: time.Millisecond,
		dlqBackoff:   time.Millisecond,
	}
}

func forward(out ...Message) *funcHandler {
	return &funcHandler{fn: func(context.Context, []byte) ([]Message, error) {
		return out, nil
	}}
}

func failing(err error) *funcHandler {
	return &funcHandler{fn: func(context.Context, []byte) ([]Message, error) {
		return nil, err
	}}
}

func TestProcessSuccessPublishesThenCommits(t *testing.T) {
	pub := &stubPublisher{}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_score", MaxAttempts: 3}, pub, com,
		forward(Message{Topic: "t_adjudicate", Key: "n-1", Value: []byte("{}")}))

	resolved := c.process(context.Background(), kafka.Message{Topic: "t_score", Value: []byte("{}")})

	require.True(t, resolved)
	require.Len(t, pub.published, 1)
	require.Equal(t, "t_adjudicate", pub.published[0].Topic)
	require.Len(t, com.committed, 1)
}

func TestProcessPublishFailureHoldsDelivery(t *testing.T) {
	pub := &stubPublisher{failures: 1, err: errors.New("broker unavailable")}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_score", MaxAttempts: 3}, pub, com,
		forward(Message{Topic: "t_adjudicate", Key: "n-1", Value: []byte("{}")}))
	msg := kafka.Message{Topic: "t_score", Partition: 0, Offset: 3, Value: []byte("{}")}

	resolved := c.process(context.Background(), msg)
	require.False(t, resolved, "a failed downstream write must not resolve the delivery")
	require.Empty(t, com.committed, "the offset must stay uncommitted until the write lands")

	resolved = c.process(context.Background(), msg)
	require.True(t, resolved)
	require.Len(t, pub.published, 1)
	require.Len(t, com.committed, 1)
}

func TestProcessHandlerErrorRepublishesWithAttempts(t *testing.T) {
	pub := &stubPublisher{}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_extract", MaxAttempts: 3}, pub, com,
		failing(errors.New("fetch timeout")))

	resolved := c.process(context.Background(), kafka.Message{
		Topic: "t_extract", Key: []byte("n-1"), Value: []byte("{}"),
		Headers: []kafka.Header{{Key: attemptsHeader, Value: []byte("1")}},
	})

	require.True(t, resolved)
	require.Len(t, pub.published, 1)
	retry := pub.published[0]
	require.Equal(t, "t_extract", retry.Topic, "retries go back to the stage's own topic")
	require.Equal(t, 2, readAttempts(retry.headers))
	require.Len(t, com.committed, 1, "the original delivery is committed once the retry is queued")
}

func TestProcessExhaustedAttemptsDeadLetters(t *testing.T) {
	pub := &stubPublisher{}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_extract", MaxAttempts: 3, DeadLetter: true}, pub, com,
		failing(errors.New("fetch timeout")))

	resolved := c.process(context.Background(), kafka.Message{
		Topic: "t_extract", Partition: 2, Offset: 41, Value: []byte("{}"),
		Headers: []kafka.Header{{Key: attemptsHeader, Value: []byte("2")}},
	})

	require.True(t, resolved)
	require.Len(t, pub.published, 1)
	dead := pub.published[0]
	require.Equal(t, "t_extract_dlq", dead.Topic)

	headers := map[string]string{}
	for _, h := range dead.headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "2", headers["original_partition"])
	require.Equal(t, "41", headers["original_offset"])
	require.Equal(t, "fetch timeout", headers["error"])
	require.NotEmpty(t, headers["timestamp"])
	require.Len(t, com.committed, 1)
}

func TestProcessDropsWhenDeadLetterDisabled(t *testing.T) {
	pub := &stubPublisher{}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_extract", MaxAttempts: 3, DeadLetter: false}, pub, com,
		failing(errors.New("fetch timeout")))

	resolved := c.process(context.Background(), kafka.Message{
		Topic: "t_extract", Value: []byte("{}"),
		Headers: []kafka.Header{{Key: attemptsHeader, Value: []byte("2")}},
	})

	require.True(t, resolved)
	require.Empty(t, pub.published)
	require.Len(t, com.committed, 1)
}

func TestProcessDeadLetterFailureHoldsDelivery(t *testing.T) {
	pub := &stubPublisher{failures: -1, err: errors.New("broker unavailable")}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_extract", MaxAttempts: 1, DeadLetter: true}, pub, com,
		failing(errors.New("fetch timeout")))

	resolved := c.process(context.Background(), kafka.Message{Topic: "t_extract", Offset: 7, Value: []byte("{}")})

	require.False(t, resolved, "an unwritable dead letter must not resolve the delivery")
	require.Empty(t, com.committed)
}

func TestProcessAppliesInvocationTimeout(t *testing.T) {
	pub := &stubPublisher{}
	com := &stubCommitter{}
	handler := &funcHandler{fn: func(ctx context.Context, _ []byte) ([]Message, error) {
		_, ok := ctx.Deadline()
		require.True(t, ok, "the handler context must carry the stage timeout")
		return nil, nil
	}}
	c := newTestConsumer(ConsumerConfig{Topic: "t_score", MaxAttempts: 3, Timeout: time.Minute}, pub, com, handler)

	require.True(t, c.process(context.Background(), kafka.Message{Value: []byte("{}")}))
}

// A delivery that cannot be resolved must hold back the whole partition:
// committing a later offset would acknowledge the stuck one and drop it.
func TestPartitionWorkerHoldsLaterCommits(t *testing.T) {
	pub := &stubPublisher{failures: 2, err: errors.New("broker unavailable")}
	com := &stubCommitter{}
	c := newTestConsumer(ConsumerConfig{Topic: "t_score", MaxAttempts: 3}, pub, com,
		forward(Message{Topic: "t_adjudicate", Key: "n-1", Value: []byte("{}")}))

	ch := make(chan kafka.Message, 2)
	ch <- kafka.Message{Topic: "t_score", Partition: 0, Offset: 3, Value: []byte("{}")}
	ch <- kafka.Message{Topic: "t_score", Partition: 0, Offset: 4, Value: []byte("{}")}
	close(ch)

	slots := make(chan struct{}, 1)
	c.runPartition(context.Background(), ch, slots)

	require.Len(t, com.committed, 2)
	require.Equal(t, int64(3), com.committed[0].Offset, "offset 3 must resolve before 4 commits")
	require.Equal(t, int64(4), com.committed[1].Offset)
	require.Len(t, pub.published, 2)
}

func TestReadAttempts(t *testing.T) {
	require.Equal(t, 0, readAttempts(nil))
	require.Equal(t, 0, readAttempts([]kafka.Header{{Key: "other", Value: []byte("7")}}))
	require.Equal(t, 2, readAttempts([]kafka.Header{{Key: attemptsHeader, Value: []byte("2")}}))
	require.Equal(t, 0, readAttempts([]kafka.Header{{Key: attemptsHeader, Value: []byte("junk")}}))
}
