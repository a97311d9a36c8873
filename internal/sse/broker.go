// Package sse streams registry card events to Server-Sent Events clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/opsml/internal/models"
)

// Event is one message on the stream. Kind scopes delivery: subscribers
// that asked for a kind only see events of that kind.
type Event struct {
	Type string      `json:"type"`
	Kind models.Kind `json:"-"`
	Data any         `json:"data"`
}

// CardData is the payload of card.* events.
type CardData struct {
	Kind    models.Kind `json:"kind"`
	UID     string      `json:"uid"`
	Name    string      `json:"name"`
	Version string      `json:"version"`
	At      time.Time   `json:"at"`
}

type subscription struct {
	ch   chan []byte
	kind models.Kind
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop owns the subscriber set; public methods talk to it
// through channels. Idle streams receive a comment line every heartbeat
// interval so intermediaries keep them open.
type Broker struct {
	heartbeat time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. heartbeat <= 0 selects 15s.
func NewBroker(heartbeat time.Duration) *Broker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	b := &Broker{
		heartbeat:     heartbeat,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

var ping = []byte(": ping\n\n")

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]models.Kind)
	tick := time.NewTicker(b.heartbeat)
	defer tick.Stop()

	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Slow client; drop rather than stall the loop.
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.kind

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			payload, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
			for ch, kind := range clients {
				if kind == "" || event.Kind == "" || kind == event.Kind {
					send(ch, raw)
				}
			}

		case <-tick.C:
			for ch := range clients {
				send(ch, ping)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client. A non-empty kind limits delivery to that kind.
func (b *Broker) Subscribe(kind models.Kind) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- subscription{ch: ch, kind: kind}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to every matching client.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// CardEvent publishes a committed registry mutation.
func (b *Broker) CardEvent(event string, kind models.Kind, uid, name, version string) {
	b.Publish(Event{
		Type: event,
		Kind: kind,
		Data: CardData{Kind: kind, UID: uid, Name: name, Version: version, At: time.Now().UTC()},
	})
}

// ServeHTTP is the SSE endpoint (GET /events[?kind=]).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var kind models.Kind
	if s := r.URL.Query().Get("kind"); s != "" {
		k, err := models.ParseKind(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind = k
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(kind)
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
