package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type fakeAssociator struct {
	mu    sync.Mutex
	calls []models.OwnerRef
	imgs  []bson.ObjectID
	err   error
}

func (f *fakeAssociator) Associate(_ context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	f.imgs = append(f.imgs, id)
	return f.err
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ackRecord{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) snapshot() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.records...)
}

type fakeChannel struct {
	deliveries chan amqp091.Delivery
	declared   string
	declareErr error
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	f.declared = name
	return amqp091.Queue{Name: name}, f.declareErr
}

func (f *fakeChannel) ConsumeWithContext(context.Context, string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.deliveries, nil
}

func TestProcessMessage(t *testing.T) {
	owner := bson.NewObjectID()
	img := bson.NewObjectID()
	app := &fakeAssociator{}
	h := NewHandler(app)

	body := `{"owner_kind":"projects","owner_id":"` + owner.Hex() + `","image_id":"` + img.Hex() + `"}`
	require.NoError(t, h.ProcessMessage(context.Background(), amqp091.Delivery{Body: []byte(body)}))

	assert.Equal(t, []models.OwnerRef{{Kind: models.OwnerProject, ID: owner}}, app.calls)
	assert.Equal(t, []bson.ObjectID{img}, app.imgs)
}

func TestProcessMessage_Rejects(t *testing.T) {
	owner := bson.NewObjectID().Hex()
	img := bson.NewObjectID().Hex()

	tests := []struct {
		name string
		body string
		err  error
	}{
		{"not json", `nope`, nil},
		{"missing field", `{"owner_kind":"car","owner_id":"` + owner + `"}`, nil},
		{"unknown kind", `{"owner_kind":"boat","owner_id":"` + owner + `","image_id":"` + img + `"}`, nil},
		{"bad owner id", `{"owner_kind":"car","owner_id":"x","image_id":"` + img + `"}`, nil},
		{"bad image id", `{"owner_kind":"car","owner_id":"` + owner + `","image_id":"x"}`, nil},
		{"owner missing", `{"owner_kind":"car","owner_id":"` + owner + `","image_id":"` + img + `"}`, common.ErrorNotFound},
		{"claimed elsewhere", `{"owner_kind":"car","owner_id":"` + owner + `","image_id":"` + img + `"}`, common.ErrOwnershipConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeAssociator{err: tt.err})
			err := h.ProcessMessage(context.Background(), amqp091.Delivery{Body: []byte(tt.body)})
			var nack *NackError
			assert.ErrorAs(t, err, &nack)
		})
	}
}

func TestProcessMessage_TransientErrorIsNotNack(t *testing.T) {
	boom := errors.New("mongo down")
	h := NewHandler(&fakeAssociator{err: boom})
	body := `{"owner_kind":"car","owner_id":"` + bson.NewObjectID().Hex() + `","image_id":"` + bson.NewObjectID().Hex() + `"}`

	err := h.ProcessMessage(context.Background(), amqp091.Delivery{Body: []byte(body)})
	require.ErrorIs(t, err, boom)
	var nack *NackError
	assert.False(t, errors.As(err, &nack))
}

func TestConsume_AcksNacksAndRequeues(t *testing.T) {
	owner := bson.NewObjectID().Hex()
	good := `{"owner_kind":"car","owner_id":"` + owner + `","image_id":"` + bson.NewObjectID().Hex() + `"}`

	ack := &fakeAcknowledger{}
	ch := &fakeChannel{deliveries: make(chan amqp091.Delivery, 3)}
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(good)}
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("garbage")}
	close(ch.deliveries)

	app := &fakeAssociator{}
	c := NewConsumer("amqp://unused", "images.uploaded", NewHandler(app), logging.Discard())

	err := c.consume(context.Background(), ch)
	require.Error(t, err)
	assert.Equal(t, "images.uploaded", ch.declared)
	assert.Equal(t, []ackRecord{{tag: 1, ack: true}, {tag: 2}}, ack.snapshot())

	t.Run("transient failure requeues", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		ch := &fakeChannel{deliveries: make(chan amqp091.Delivery, 1)}
		ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(good)}
		close(ch.deliveries)

		c := NewConsumer("amqp://unused", "q", NewHandler(&fakeAssociator{err: errors.New("timeout")}), logging.Discard())
		_ = c.consume(context.Background(), ch)
		assert.Equal(t, []ackRecord{{tag: 7, requeue: true}}, ack.snapshot())
	})
}

func TestConsume_StopsOnContextCancel(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp091.Delivery)}
	c := NewConsumer("amqp://unused", "q", NewHandler(&fakeAssociator{}), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.consume(ctx, ch) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestConsume_DeclareError(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	c := NewConsumer("amqp://unused", "q", NewHandler(&fakeAssociator{}), logging.Discard())
	assert.ErrorContains(t, c.consume(context.Background(), ch), "access refused")
}

func TestRun_ConnectError(t *testing.T) {
	orig := openChannel
	t.Cleanup(func() { openChannel = orig })
	openChannel = func(string) (channel, func() error, error) {
		return nil, nil, errors.New("dial tcp: refused")
	}

	c := NewConsumer("amqp://x", "q", NewHandler(&fakeAssociator{}), logging.Discard())
	assert.ErrorContains(t, c.Run(context.Background()), "amqp connect")
}
