package publisher

import (
	"context"
	"encoding/json"
	"enrollment-reconciler/internal/domain"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

const flushTimeoutMs = 5000

// producer is the subset of *kafka.Producer the publisher needs.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type KafkaPublisher struct {
	producer producer
	topic    string
}

func NewKafkaProducer(bootstrapServers string) (*kafka.Producer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
	}
	return kafka.NewProducer(configMap)
}

func NewKafkaPublisher(p producer, topic string) *KafkaPublisher {
	kp := &KafkaPublisher{producer: p, topic: topic}
	go kp.watchEvents()
	log.WithField("topic", topic).Info("Publishing enrollment events to Kafka topic")
	return kp
}

// watchEvents drains client-level events that are not delivery reports.
func (p *KafkaPublisher) watchEvents() {
	for ev := range p.producer.Events() {
		switch e := ev.(type) {
		case kafka.Error:
			log.WithError(e).Error("Kafka error")
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				log.WithError(e.TopicPartition.Error).Error("Kafka delivery failed")
			}
		}
	}
}

// PublishEnrollment sends the event keyed by purchaser email and waits for
// the broker acknowledgement.
func (p *KafkaPublisher) PublishEnrollment(ctx context.Context, event domain.EnrollmentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode enrollment event: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.Email),
		Value:          payload,
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce enrollment event: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("enrollment event not delivered: %w", m.TopicPartition.Error)
		}
		log.WithFields(log.Fields{
			"order_id":  event.OrderID,
			"partition": m.TopicPartition.Partition,
			"offset":    m.TopicPartition.Offset,
		}).Debug("Enrollment event delivered")
		return nil
	}
}

func (p *KafkaPublisher) Close() {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		log.WithField("remaining", remaining).Warn("Kafka producer closed with undelivered events")
	}
	p.producer.Close()
}
