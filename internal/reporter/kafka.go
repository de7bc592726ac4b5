package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/log"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter sends events to a Kafka topic as JSON, keyed by relay id.
type KafkaReporter struct {
	writer messageWriter
	topic  string

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// NewKafkaReporter creates the writer. Connections are made lazily.
func NewKafkaReporter(cfg config.KafkaReporterConfig) (*KafkaReporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	batchTimeout := config.ParseDuration(cfg.BatchTimeout)
	if batchTimeout == 0 {
		batchTimeout = time.Second
	}
	wc := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    defaultBatchSize,
		BatchTimeout: batchTimeout,
		MaxAttempts:  defaultMaxAttempts,
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	wc.CompressionCodec = codec

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	}).Info("kafka reporter created")

	return &KafkaReporter{writer: kafka.NewWriter(wc), topic: cfg.Topic}, nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

func (r *KafkaReporter) Name() string { return "kafka" }

func (r *KafkaReporter) Report(ctx context.Context, ev Event) error {
	msg, err := buildMessage(ev)
	if err != nil {
		r.errorCount.Add(1)
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("write to kafka failed: %w", err)
	}
	r.reportedCount.Add(1)
	return nil
}

func buildMessage(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event failed: %w", err)
	}
	key := ev.RelayID
	if ev.Type == EventStateChange {
		key = ev.Node
	}
	return kafka.Message{
		Key:   []byte(key.String()),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "node", Value: []byte(ev.Node.String())},
		},
	}, nil
}

func (r *KafkaReporter) Close() error {
	if err := r.writer.Close(); err != nil {
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"total_reported": r.reportedCount.Load(),
		"total_errors":   r.errorCount.Load(),
	}).Info("kafka reporter stopped")
	return nil
}
