package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chatweb/internal/model"
)

const (
	// StreamName is the name of the exchange journal stream.
	StreamName = "CHAT_EXCHANGES"

	// SubjectPrefix is the prefix for all journal subjects.
	SubjectPrefix = "chat"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. maxAge bounds journal retention; zero keeps 30 days.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream creates or updates the journal stream.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Relayed chat exchanges",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// ExchangeSubject returns the subject exchanges of a conversation are published on.
func ExchangeSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.exchange", SubjectPrefix, conversationID)
}

// PublishExchange publishes a finished exchange and returns its stream sequence.
func (m *StreamManager) PublishExchange(ctx context.Context, ex *model.Exchange) (uint64, error) {
	data, err := json.Marshal(ex)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal exchange: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, ExchangeSubject(ex.ConversationID), data,
		jetstream.WithMsgID(ex.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish exchange: %w", err)
	}

	return ack.Sequence, nil
}

// GetExchanges retrieves up to limit exchanges of a conversation after a stream sequence.
// The boolean reports whether more may follow.
func (m *StreamManager) GetExchanges(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Exchange, bool, error) {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: ExchangeSubject(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer m.client.JetStream().DeleteConsumer(context.WithoutCancel(ctx), StreamName, consumer.CachedInfo().Name)

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch exchanges: %w", err)
	}

	var exchanges []model.Exchange
	for msg := range batch.Messages() {
		var ex model.Exchange
		if err := json.Unmarshal(msg.Data(), &ex); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			ex.Sequence = meta.Sequence.Stream
		}
		exchanges = append(exchanges, ex)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, false, fmt.Errorf("batch error: %w", err)
	}

	return exchanges, len(exchanges) == limit, nil
}
