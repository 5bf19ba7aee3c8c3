package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IliaW/resource-scanner/config"
	"github.com/IliaW/resource-scanner/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      chan kafka.Message
	committed int
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestProducer_Write(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducerClient{kafkaWriter: w, cfg: &config.ProducerConfig{}}

	require.NoError(t, p.Write(context.Background(), &model.ScanResult{Domain: "a.example", Success: true}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "a.example", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"domain":"a.example"`)
	assert.True(t, p.Durable())

	w.err = errors.New("leader not available")
	assert.Error(t, p.Write(context.Background(), &model.ScanResult{Domain: "b.example"}))
}

func TestConsumer_Run(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := &fakeReader{msgs: make(chan kafka.Message, 4)}
	c := &KafkaConsumerClient{reader: r, cfg: &config.ConsumerConfig{}}
	r.msgs <- kafka.Message{Value: []byte(" a.example\n")}
	r.msgs <- kafka.Message{Value: []byte(`{"domain":"b.example"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, out)
		close(done)
	}()

	assert.Equal(t, "a.example", <-out)
	assert.Equal(t, "b.example", <-out)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	_, open := <-out
	assert.False(t, open)
	assert.True(t, r.closed)
	assert.Equal(t, 2, r.committed)
}

func TestParseDomain(t *testing.T) {
	d, err := parseDomain([]byte(`{"domain": " c.example "}`))
	require.NoError(t, err)
	assert.Equal(t, "c.example", d)

	_, err = parseDomain([]byte(`{"domain": ""}`))
	assert.ErrorIs(t, err, errEmptyMessage)

	_, err = parseDomain([]byte("   "))
	assert.ErrorIs(t, err, errEmptyMessage)

	_, err = parseDomain([]byte(`{broken`))
	assert.Error(t, err)
}
