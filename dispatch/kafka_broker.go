package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaConfig configures a KafkaBroker.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	SASL    KafkaSASL
}

// KafkaBroker implements Broker on Kafka. Subscriptions must be registered
// before Start: the consumer group joins with the topic list it has then.
type KafkaBroker struct {
	cfg    KafkaConfig
	logger *slog.Logger

	mu            sync.RWMutex
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	handlers      map[string]Handler
	cancel        context.CancelFunc
	done          chan struct{}
	healthy       bool
	healthMsg     string
}

// NewKafkaBroker creates a stopped broker.
func NewKafkaBroker(cfg KafkaConfig, logger *slog.Logger) *KafkaBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "stepengine"
	}
	return &KafkaBroker{cfg: cfg, logger: logger, handlers: make(map[string]Handler)}
}

// NewKafkaBrokerWithProducer creates a broker that publishes with producer
// and does not consume. It is intended for tests and publish-only
// processes.
func NewKafkaBrokerWithProducer(producer sarama.SyncProducer, logger *slog.Logger) *KafkaBroker {
	b := NewKafkaBroker(KafkaConfig{}, logger)
	b.producer = producer
	b.healthy = true
	b.healthMsg = "connected"
	return b
}

func saramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if err := applySASL(config, cfg.SASL); err != nil {
		return nil, err
	}
	return config, nil
}

// Subscribe implements Broker.
func (b *KafkaBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumerGroup != nil {
		return fmt.Errorf("kafka: subscribe to %s after start is not supported", topic)
	}
	b.handlers[topic] = h
	return nil
}

// Start implements Broker.
func (b *KafkaBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	config, err := saramaConfig(b.cfg)
	if err != nil {
		b.healthy = false
		b.healthMsg = err.Error()
		return err
	}
	if b.producer == nil {
		producer, err := sarama.NewSyncProducer(b.cfg.Brokers, config)
		if err != nil {
			b.healthy = false
			b.healthMsg = fmt.Sprintf("producer connect failed: %v", err)
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		b.producer = producer
	}

	if len(b.handlers) > 0 && b.consumerGroup == nil {
		topics := make([]string, 0, len(b.handlers))
		for topic := range b.handlers {
			topics = append(topics, topic)
		}
		group, err := sarama.NewConsumerGroup(b.cfg.Brokers, b.cfg.GroupID, config)
		if err != nil {
			b.healthy = false
			b.healthMsg = fmt.Sprintf("consumer group connect failed: %v", err)
			return fmt.Errorf("failed to create Kafka consumer group: %w", err)
		}
		b.consumerGroup = group

		consumerCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		b.done = make(chan struct{})
		handler := &kafkaGroupHandler{broker: b, ctx: consumerCtx}
		go func() {
			defer close(b.done)
			for {
				if err := group.Consume(consumerCtx, topics, handler); err != nil {
					b.logger.Error("Kafka consumer group error", "error", err)
					b.setHealth(false, fmt.Sprintf("consumer error: %v", err))
				}
				if consumerCtx.Err() != nil {
					return
				}
			}
		}()
	}

	b.healthy = true
	b.healthMsg = "connected"
	b.logger.Info("Kafka broker started", "brokers", b.cfg.Brokers, "groupID", b.cfg.GroupID)
	return nil
}

// Publish implements Broker.
func (b *KafkaBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	producer := b.producer
	b.mu.RUnlock()
	if producer == nil {
		return ErrNotStarted
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(payload)}
	if _, _, err := producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message to topic %q: %w", topic, err)
	}
	return nil
}

// Stop implements Broker.
func (b *KafkaBroker) Stop(_ context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var lastErr error
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close consumer group: %w", err)
		}
		b.consumerGroup = nil
	}
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close producer: %w", err)
		}
		b.producer = nil
	}
	b.healthy = false
	b.healthMsg = "stopped"
	b.logger.Info("Kafka broker stopped")
	return lastErr
}

// Healthy reports connection health and a short status message.
func (b *KafkaBroker) Healthy() (bool, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy, b.healthMsg
}

func (b *KafkaBroker) setHealth(ok bool, msg string) {
	b.mu.Lock()
	b.healthy, b.healthMsg = ok, msg
	b.mu.Unlock()
}

// deliver routes one consumed message to its topic handler.
func (b *KafkaBroker) deliver(ctx context.Context, topic string, value []byte) {
	b.mu.RLock()
	h, ok := b.handlers[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if err := h(ctx, value); err != nil {
		b.logger.Error("error handling Kafka message", "topic", topic, "error", err)
	}
}

// kafkaGroupHandler implements sarama.ConsumerGroupHandler.
type kafkaGroupHandler struct {
	broker *KafkaBroker
	ctx    context.Context
}

func (h *kafkaGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.broker.setHealth(true, "consuming")
	for msg := range claim.Messages() {
		h.broker.deliver(h.ctx, msg.Topic, msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}
