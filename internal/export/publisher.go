// Package export streams computed pool APRs to downstream consumers over Kafka.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
	"github.com/yourorg/autocompound-apr-ea/internal/yield"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PoolAprMessage is the value of every exported message. The message key is the pool name.
type PoolAprMessage struct {
	Pool       model.PoolName `json:"pool"`
	APR        float64        `json:"apr"`
	StartTime  int64          `json:"start_time"`
	EndTime    int64          `json:"end_time"`
	ComputedAt time.Time      `json:"computed_at"`
}

// Publisher writes one message per pool for every computed report.
type Publisher struct {
	writer MessageWriter
	topic  string

	mu         sync.RWMutex
	exported   int
	failures   int
	lastExport time.Time
}

// NewPublisher creates a Publisher on top of an existing writer.
func NewPublisher(writer MessageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// NewKafkaPublisher creates a Publisher writing to topic on brokers. Messages with the same pool
// land on the same partition.
func NewKafkaPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 100 * time.Millisecond,
	}

	logrus.WithFields(logrus.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Info("Kafka APR export initialized")
	return NewPublisher(writer, topic), nil
}

// Publish writes the pools of report, in pool name order. A report without pools writes nothing.
func (p *Publisher) Publish(ctx context.Context, report yield.Report) error {
	if len(report.Pools) == 0 {
		return nil
	}

	names := make([]model.PoolName, 0, len(report.Pools))
	for name := range report.Pools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	msgs := make([]kafka.Message, 0, len(names))
	for _, name := range names {
		value, err := json.Marshal(PoolAprMessage{
			Pool:       name,
			APR:        report.Pools[name],
			StartTime:  report.StartTime,
			EndTime:    report.EndTime,
			ComputedAt: report.ComputedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(name),
			Value: value,
			Time:  report.ComputedAt,
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failures++
		return fmt.Errorf("failed to export to kafka topic %s: %w", p.topic, err)
	}
	p.exported += len(msgs)
	p.lastExport = time.Now()
	logrus.WithFields(logrus.Fields{
		"topic":    p.topic,
		"messages": len(msgs),
	}).Debug("Exported pool APR")
	return nil
}

// Status reports export counters.
func (p *Publisher) Status() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := map[string]interface{}{
		"topic":    p.topic,
		"exported": p.exported,
		"failures": p.failures,
	}
	if !p.lastExport.IsZero() {
		status["last_export"] = p.lastExport.Format(time.RFC3339)
	}
	return status
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
