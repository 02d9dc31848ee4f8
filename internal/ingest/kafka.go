package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
)

// KafkaProducer publishes driver availability records to the location topic.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishAvailability emits the driver's current location and availability,
// keyed by driver ID so updates for one driver stay ordered.
func (k *KafkaProducer) PublishAvailability(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// ErrBadRecord marks records that can never be applied, as opposed to
// transient index failures worth retrying elsewhere.
var ErrBadRecord = errors.New("bad availability record")

// Index is the slice of the availability index the consumer writes to.
type Index interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
}

// Applier folds availability records from the location topic into the index.
// Offline drivers are removed so they stop appearing in dispatch searches.
type Applier struct {
	Index Index

	// Attempts and Delay govern retries against the index.
	Attempts int
	Delay    time.Duration
}

// Apply decodes one record and updates the index, retrying transient index
// failures with exponential backoff.
func (a *Applier) Apply(ctx context.Context, value []byte) error {
	var d models.Driver
	if err := json.Unmarshal(value, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: missing driver id", ErrBadRecord)
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}

	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := a.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if d.Online {
			err = a.Index.Upsert(ctx, d)
		} else {
			err = a.Index.Remove(ctx, d.ID)
		}
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("update index for driver %s: %w", d.ID, err)
}
