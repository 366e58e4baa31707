package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
)

// Kafka is the partitioned-log [Bus] backing. Messages are keyed by
// interaction ID so one interaction's messages land on one partition and
// keep their order. Offsets are committed after the handler returns without
// error, giving at-least-once delivery.
type Kafka struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	subs    []*kafkaSub
	closed  bool
}

// NewKafka creates a Kafka bus against the given broker addresses.
func NewKafka(brokers []string) *Kafka {
	return &Kafka{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// Publish implements [Bus]. The log backing does not report offsets from its
// produce path, so the returned ID is a locally generated UUID.
func (k *Kafka) Publish(ctx context.Context, topic string, env Envelope) (string, error) {
	w, err := k.writer(topic)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("bus: marshal envelope: %w", err)
	}
	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.InteractionID),
		Value: raw,
	})
	if err != nil {
		return "", fmt.Errorf("bus: kafka write %q: %w", topic, err)
	}
	return uuid.NewString(), nil
}

func (k *Kafka) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	if w, ok := k.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	k.writers[topic] = w
	return w, nil
}

// Subscribe implements [Bus].
func (k *Kafka) Subscribe(_ context.Context, topic, group string, h Handler) (Subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})

	subCtx, cancel := context.WithCancel(context.Background())
	s := &kafkaSub{topic: topic, reader: reader, handler: h, cancel: cancel}
	s.wg.Add(1)
	go s.run(subCtx)

	k.subs = append(k.subs, s)
	return s, nil
}

// Close implements [Bus].
func (k *Kafka) Close(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	writers := k.writers
	k.subs = nil
	k.writers = make(map[string]*kafka.Writer)
	k.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close(ctx))
	}
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

type kafkaSub struct {
	topic   string
	reader  *kafka.Reader
	handler Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close implements [Subscription].
func (s *kafkaSub) Close(context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.reader.Close()
		s.wg.Wait()
	})
	return err
}

func (s *kafkaSub) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			slog.Warn("bus: kafka fetch error", "topic", s.topic, "err", err)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			slog.Warn("bus: dropping malformed kafka message",
				"topic", s.topic, "partition", m.Partition, "offset", m.Offset)
			_ = s.reader.CommitMessages(ctx, m)
			continue
		}

		id := fmt.Sprintf("%d/%d", m.Partition, m.Offset)
		if err := s.handler(ctx, Message{ID: id, Envelope: env}); err != nil {
			// Offset stays uncommitted; the group re-reads it on rebalance
			// or restart.
			slog.Debug("bus: handler error, offset not committed",
				"topic", s.topic, "id", id, "err", err)
			continue
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("bus: kafka commit failed", "topic", s.topic, "id", id, "err", err)
		}
	}
}
