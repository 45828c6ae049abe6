package kafka

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/AttilaZsamboki/cineio/internal/config"
)

// GameEvent is the message shape published on the events topic: the rating
// update consumer and analytics read this stream.
type GameEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types published by the engine
const (
	EventEncounterResolved = "encounter_resolved"
	EventOrbConsumed       = "orb_consumed"
	EventSessionEnded      = "session_ended"
	EventRatingUpdate      = "rating_update"
)

// RatingUpdate is the payload consumed by the external rating service.
type RatingUpdate struct {
	UserID    string `json:"user_id"`
	OldRating int    `json:"old_rating"`
	NewRating int    `json:"new_rating"`
	Won       bool   `json:"won"`
}

// Producer publishes engine events to Kafka.
type Producer struct {
	config   *config.KafkaConfig
	producer sarama.AsyncProducer
	logger   *slog.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 500 * time.Millisecond
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		config:   cfg,
		producer: producer,
		logger:   logger,
	}

	// Drain errors; a failed publish never fails the game event.
	go func() {
		for err := range producer.Errors() {
			logger.Warn("failed to publish event", "error", err)
		}
	}()

	return p, nil
}

// Publish enqueues a game event. Non-blocking; errors surface on the error
// channel and are logged.
func (p *Producer) Publish(event GameEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.config.EventsTopic,
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(data),
	}
}

// Close shuts down the producer, flushing pending messages
func (p *Producer) Close() error {
	return p.producer.Close()
}
