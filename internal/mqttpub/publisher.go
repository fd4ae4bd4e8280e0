// Package mqttpub mirrors relay events to an MQTT broker.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/gps-relay/internal/event"
)

const (
	queueSize      = 128
	publishTimeout = 5 * time.Second
	quiesceMs      = 250
)

// Client is the subset of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher forwards events to <prefix>/state, /log, /error, /peer, /rx
// and /tx. Events are queued and published from a single goroutine so
// Listen never blocks the emitting component.
type Publisher struct {
	client Client
	prefix string

	mu      sync.Mutex
	queue   chan message
	closed  bool
	dropped int
	done    chan struct{}
}

// Dial connects to the broker and returns a running Publisher.
func Dial(opts Options) (*Publisher, error) {
	o := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(o)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttpub: connecting to %s: %w", opts.Broker, token.Error())
	}
	slog.Info("[MQTT] connected", "broker", opts.Broker, "client_id", opts.ClientID)
	return New(client, opts.TopicPrefix), nil
}

// New starts a Publisher on an already connected client.
func New(client Client, prefix string) *Publisher {
	p := &Publisher{
		client: client,
		prefix: prefix,
		queue:  make(chan message, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Listen is an event.Listener.
func (p *Publisher) Listen(ev event.Event) {
	msg, ok := p.message(ev)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped++
		slog.Warn("[MQTT] queue full, dropping message", "topic", msg.topic, "dropped", p.dropped)
	}
}

// Topic returns the topic events of kind k are published to, or "".
func (p *Publisher) Topic(k event.Kind) string {
	var leaf string
	switch k {
	case event.KindState:
		leaf = "state"
	case event.KindLog:
		leaf = "log"
	case event.KindError:
		leaf = "error"
	case event.KindPeerDiscovered, event.KindPeerConnected, event.KindPeerDisconnected:
		leaf = "peer"
	case event.KindDataReceived:
		leaf = "rx"
	case event.KindTransmitted:
		leaf = "tx"
	default:
		return ""
	}
	return p.prefix + "/" + leaf
}

func (p *Publisher) message(ev event.Event) (message, bool) {
	topic := p.Topic(ev.Kind)
	if topic == "" {
		return message{}, false
	}

	// Payload topics carry the GPS JSON verbatim.
	if ev.Kind == event.KindDataReceived || ev.Kind == event.KindTransmitted {
		return message{topic: topic, payload: ev.Data}, true
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("[MQTT] encoding event", "kind", ev.Kind, "error", err)
		return message{}, false
	}
	return message{topic: topic, retained: ev.Kind == event.KindState, payload: data}, true
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		token := p.client.Publish(msg.topic, 0, msg.retained, msg.payload)
		if !token.WaitTimeout(publishTimeout) {
			slog.Warn("[MQTT] publish timed out", "topic", msg.topic)
			continue
		}
		if err := token.Error(); err != nil {
			slog.Warn("[MQTT] publish failed", "topic", msg.topic, "error", err)
		}
	}
}

// Close flushes queued messages and disconnects. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.client.Disconnect(quiesceMs)
	slog.Info("[MQTT] disconnected")
	return nil
}
