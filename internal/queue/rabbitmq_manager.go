package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"bnbwatch/internal/models"
)

const (
	engineExchange    = "engine"
	verifyDelayQueue  = "verify.delayed"
	verifyReadyQueue  = "verify.ready"
	delayRoutingKey   = "delayed"
	readyRoutingKey   = "ready"
	maxQueueTTLMillis = 120000
)

// Manager owns the RabbitMQ plumbing for the verification timer. A
// tentative hit is published to verify.delayed with a per-message TTL;
// when the TTL lapses the message dead-letters into verify.ready, where
// the verifier consumes it. The broker is the durable timer, so a pending
// re-probe survives an engine restart.
type Manager struct {
	client    *rabbitmq.RabbitClient
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	log       *zap.Logger
}

func NewManager(url string, log *zap.Logger) (*Manager, error) {
	config := rabbitmq.ClientConfig{
		URL:       url,
		Heartbeat: 10 * time.Second,
		ReconnectStrat: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		ProducingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		ConsumingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}

	client, err := rabbitmq.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	if err := setupExchangesAndQueues(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup exchanges and queues: %w", err)
	}

	publisher := rabbitmq.NewPublisher(client, engineExchange, "application/json")

	log.Info("rabbitmq manager initialized")
	return &Manager{
		client:    client,
		publisher: publisher,
		log:       log,
	}, nil
}

func setupExchangesAndQueues(client *rabbitmq.RabbitClient) error {
	err := client.DeclareExchange(engineExchange, "direct", true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	delayQueueArgs := map[string]interface{}{
		"x-dead-letter-exchange":    engineExchange,
		"x-dead-letter-routing-key": readyRoutingKey,
		"x-message-ttl":             maxQueueTTLMillis,
	}

	err = client.DeclareQueue(
		verifyDelayQueue,
		engineExchange,
		delayRoutingKey,
		true,
		false,
		true,
		delayQueueArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare delayed queue: %w", err)
	}

	err = client.DeclareQueue(
		verifyReadyQueue,
		engineExchange,
		readyRoutingKey,
		true,
		false,
		true,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare ready queue: %w", err)
	}

	return nil
}

// PublishVerification schedules the delayed re-probe for a tentative hit.
func (m *Manager) PublishVerification(ctx context.Context, session *models.VerificationSession, delay time.Duration) error {
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal verification session: %w", err)
	}

	var routingKey string
	var opts []rabbitmq.PublishOption

	if delay <= 0 {
		routingKey = readyRoutingKey
	} else {
		routingKey = delayRoutingKey
		opts = append(opts, rabbitmq.WithExpiration(delay))
	}

	if err := m.publisher.Publish(ctx, body, routingKey, opts...); err != nil {
		return fmt.Errorf("failed to publish verification session: %w", err)
	}

	m.log.Info("scheduled verification re-probe",
		zap.String("watch_id", session.WatchID),
		zap.Duration("delay", delay))
	return nil
}

// StartVerifyConsumer attaches the verifier to verify.ready.
func (m *Manager) StartVerifyConsumer(ctx context.Context, handler rabbitmq.MessageHandler) error {
	config := rabbitmq.ConsumerConfig{
		Queue:         verifyReadyQueue,
		ConsumerTag:   "verify-consumer",
		AutoAck:       false,
		Workers:       3,
		PrefetchCount: 10,
		Ask: rabbitmq.AskConfig{
			Multiple: false,
		},
		Nack: rabbitmq.NackConfig{
			Multiple: false,
			Requeue:  true,
		},
		Args: nil,
	}

	m.consumer = rabbitmq.NewConsumer(m.client, config, handler)

	go func() {
		if err := m.consumer.Start(ctx); err != nil {
			m.log.Error("verify consumer stopped", zap.Error(err))
		}
	}()

	m.log.Info("verify consumer started")
	return nil
}

func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
