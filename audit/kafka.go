package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes committed links to a Kafka topic, keyed by chain index
type KafkaSink struct {
	writer   kafkaWriter
	tenantID string
	timeout  time.Duration
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaOptions struct {
	Brokers    []string `json:"brokers"`
	Topic      string   `json:"topic"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

func NewKafkaSinkFromConfig(config *Config) (*KafkaSink, error) {
	var opts KafkaOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid kafka sink options: %w", err)
	}
	return NewKafkaSink(opts, config.TenantID)
}

func NewKafkaSink(opts KafkaOptions, tenantID string) (*KafkaSink, error) {
	brokers := make([]string, 0, len(opts.Brokers))
	for _, b := range opts.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	timeout := time.Duration(opts.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
	}
	return &KafkaSink{writer: w, tenantID: tenantID, timeout: timeout}, nil
}

func (k *KafkaSink) Emit(event Event) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("kafka sink not initialized")
	}
	if event.TenantID == "" {
		event.TenantID = k.tenantID
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(event.Index, 10)),
		Value: value,
		Time:  event.Timestamp,
	})
}

func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
