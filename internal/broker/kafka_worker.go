package broker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/IliaW/resource-scanner/config"
	"github.com/IliaW/resource-scanner/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducerClient publishes every ScanResult keyed by domain. Writes are synchronous so a returned nil
// means the brokers acknowledged the message.
type KafkaProducerClient struct {
	kafkaWriter messageWriter
	cfg         *config.ProducerConfig
}

func NewKafkaProducer(cfg *config.ProducerConfig) *KafkaProducerClient {
	kafkaWriter := kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    1,
		BatchTimeout: cfg.BatchTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Compression:  kafka.Compression(new(lz4.Codec).Code()),
	}
	slog.Info("starting kafka producer...", slog.String("topic", cfg.WriteTopicName))
	return &KafkaProducerClient{
		kafkaWriter: &kafkaWriter,
		cfg:         cfg,
	}
}

func (p *KafkaProducerClient) Write(ctx context.Context, result *model.ScanResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		slog.Error("marshaling error.", slog.String("err", err.Error()), slog.String("domain", result.Domain))
		return err
	}
	err = p.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(result.Domain),
		Value: body,
	})
	if err != nil {
		slog.Error("failed to send message to kafka.", slog.String("domain", result.Domain),
			slog.String("err", err.Error()))
		return err
	}
	slog.Debug("successfully sent message to kafka.", slog.String("domain", result.Domain))
	return nil
}

func (p *KafkaProducerClient) Durable() bool { return true }

func (p *KafkaProducerClient) Close() error {
	slog.Info("stopping kafka writer.")
	err := p.kafkaWriter.Close()
	if err != nil {
		slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
	}
	return err
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumerClient feeds domains from a topic until its context is cancelled.
type KafkaConsumerClient struct {
	reader messageReader
	cfg    *config.ConsumerConfig
}

func NewKafkaConsumer(cfg *config.ConsumerConfig) *KafkaConsumerClient {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.ReadTopicName,
		GroupID:          cfg.GroupID,
		MaxWait:          cfg.MaxWait,
		ReadBatchTimeout: cfg.ReadBatchTimeout,
		QueueCapacity:    cfg.QueueCapacity,
		MaxBytes:         cfg.MaxBytes,
		CommitInterval:   cfg.CommitInterval,
	})
	return &KafkaConsumerClient{reader: r, cfg: cfg}
}

// Run sends every consumed domain to domainChan and closes it on return.
func (c *KafkaConsumerClient) Run(ctx context.Context, domainChan chan<- string) {
	slog.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))
	defer func() {
		slog.Info("stopping kafka reader.")
		if err := c.reader.Close(); err != nil {
			slog.Error("failed to close kafka reader.", slog.String("err", err.Error()))
		}
		close(domainChan)
		slog.Info("close domainChan.")
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("kafka reader stopped.")
				return
			}
			slog.Error("failed to fetch message from kafka.", slog.String("err", err.Error()))
			continue
		}
		if err = c.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
			slog.Error("failed to commit messages.", slog.String("err", err.Error()))
			continue
		}
		domain, err := parseDomain(m.Value)
		if err != nil {
			slog.Error("failed to parse message.", slog.String("value", string(m.Value)),
				slog.String("err", err.Error()))
			continue
		}
		slog.Debug("successfully read message from kafka.", slog.String("domain", domain))

		select {
		case domainChan <- domain:
		case <-ctx.Done():
			return
		}
	}
}

type domainMessage struct {
	Domain string `json:"domain"`
}

var errEmptyMessage = errors.New("empty domain")

// parseDomain accepts either a bare domain or {"domain": "..."}.
func parseDomain(value []byte) (string, error) {
	value = bytes.TrimSpace(value)
	if len(value) > 0 && value[0] == '{' {
		var msg domainMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return "", err
		}
		value = []byte(msg.Domain)
	}
	domain := strings.TrimSpace(string(value))
	if domain == "" {
		return "", errEmptyMessage
	}
	return domain, nil
}
