package mqttpub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gotest.tools/assert"

	"github.com/chaz8081/gps-relay/internal/event"
)

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return fakeToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

var _ Client = (*fakeClient)(nil)
var _ mqtt.Token = fakeToken{}

func TestTopic(t *testing.T) {
	p := New(&fakeClient{}, "relay")
	defer p.Close()

	tests := []struct {
		kind event.Kind
		want string
	}{
		{event.KindState, "relay/state"},
		{event.KindLog, "relay/log"},
		{event.KindError, "relay/error"},
		{event.KindPeerDiscovered, "relay/peer"},
		{event.KindPeerConnected, "relay/peer"},
		{event.KindPeerDisconnected, "relay/peer"},
		{event.KindDataReceived, "relay/rx"},
		{event.KindTransmitted, "relay/tx"},
		{event.Kind(99), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, p.Topic(tt.kind), tt.want, "kind %v", tt.kind)
	}
}

func TestListenPublishes(t *testing.T) {
	client := &fakeClient{}
	p := New(client, "gps-relay")

	state := event.New(event.KindState, event.SourceCentral)
	state.State = "connected"
	p.Listen(state)

	tx := event.New(event.KindTransmitted, event.SourceScheduler)
	tx.Data = []byte(`{"id":"AB12CD34","lat":1,"lon":2,"acc":3,"alt":null,"ts":4,"spd":null}`)
	tx.Count = 1
	p.Listen(tx)

	p.Listen(event.Error(event.SourcePeripheral, errors.New("notify failed")))
	p.Listen(event.Event{Kind: event.Kind(42)})

	assert.NilError(t, p.Close())
	msgs := client.messages()
	assert.Equal(t, len(msgs), 3)

	assert.Equal(t, msgs[0].topic, "gps-relay/state")
	assert.Assert(t, msgs[0].retained)
	var got map[string]any
	assert.NilError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, got["state"], "connected")
	assert.Equal(t, got["source"], "central")

	assert.Equal(t, msgs[1].topic, "gps-relay/tx")
	assert.Assert(t, !msgs[1].retained)
	assert.Equal(t, string(msgs[1].payload), string(tx.Data))

	assert.Equal(t, msgs[2].topic, "gps-relay/error")
	assert.NilError(t, json.Unmarshal(msgs[2].payload, &got))
	assert.Equal(t, got["message"], "notify failed")

	assert.Assert(t, client.disconnected)
}

func TestPublishErrorsDoNotStop(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	p := New(client, "r")
	p.Listen(event.Log(event.SourceController, "one"))
	p.Listen(event.Log(event.SourceController, "two"))
	assert.NilError(t, p.Close())
	assert.Equal(t, len(client.messages()), 2)
}

func TestCloseIdempotent(t *testing.T) {
	client := &fakeClient{}
	p := New(client, "r")
	assert.NilError(t, p.Close())
	assert.NilError(t, p.Close())

	// Events after Close are ignored.
	p.Listen(event.Log(event.SourceController, "late"))
	assert.Equal(t, len(client.messages()), 0)
}
