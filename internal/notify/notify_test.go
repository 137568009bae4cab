package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/retry"
)

func fastWebhook(url string) *WebhookSink {
	w := NewWebhookSink(url, time.Second)
	w.retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 1}
	return w
}

func TestWebhookSink_Delivers(t *testing.T) {
	var got Event
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-LCR-Event-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewEvent(EventRouteChanged, "org-1", RouteChange{Action: "created", Route: &models.Route{ID: 7, Prefix: "44"}})
	require.NoError(t, fastWebhook(srv.URL).Send(context.Background(), e))

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.ID, header)
	assert.Equal(t, EventRouteChanged, got.Type)
	assert.Equal(t, "org-1", got.OrganizationID)
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastWebhook(srv.URL).Send(context.Background(), NewEvent(EventRouteChanged, "", nil)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookSink_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := fastWebhook(srv.URL).Send(context.Background(), NewEvent(EventRouteChanged, "", nil))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedisSink_AppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "lcr:events")
	e := NewEvent(EventGatewayStatusChanged, "", GatewayStatusChange{GatewayID: 3, Previous: models.HealthHealthy, Current: models.HealthDegraded})
	require.NoError(t, sink.Send(context.Background(), e))

	msgs, err := client.XRange(context.Background(), "lcr:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, e.ID, msgs[0].Values["id"])
	assert.Equal(t, EventGatewayStatusChanged, msgs[0].Values["type"])
}

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failNext  bool
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.failNext {
		f.failNext = false
		return errors.New("channel closed")
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSink_PublishesAndReconnects(t *testing.T) {
	var dials int
	channels := []*fakeChannel{{failNext: true}, {}}
	sink := NewAMQPSink("amqp://test", "lcr.events")
	sink.dial = func(string) (amqpChannel, func() error, error) {
		ch := channels[dials]
		dials++
		return ch, func() error { return nil }, nil
	}

	e := NewEvent(EventRouteChanged, "org", nil)
	require.Error(t, sink.Send(context.Background(), e))
	assert.True(t, channels[0].closed)

	require.NoError(t, sink.Send(context.Background(), e))
	assert.Equal(t, 2, dials)
	assert.Equal(t, []string{"lcr.events:topic"}, channels[1].declared)
	require.Len(t, channels[1].published, 1)
	assert.Equal(t, e.ID, channels[1].published[0].MessageId)
	assert.Equal(t, amqp.Persistent, channels[1].published[0].DeliveryMode)
	assert.Equal(t, []string{EventRouteChanged}, channels[1].keys)

	require.NoError(t, sink.Close())
	assert.True(t, channels[1].closed)
}

type recordingSink struct {
	name   string
	err    error
	events []Event
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestPublisher_FansOutPastFailures(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	p := NewPublisher(nil, nil, bad, good)

	err := p.RouteChanged(context.Background(), "org-1", "deleted", &models.Route{ID: 1})
	require.Error(t, err)
	require.Len(t, good.events, 1)
	assert.Equal(t, EventRouteChanged, good.events[0].Type)
	assert.Equal(t, bad.events[0].ID, good.events[0].ID)
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.Publish(context.Background(), NewEvent(EventRouteChanged, "", nil)))
	assert.NoError(t, p.Close())
}
