// Package sse implements a Server-Sent Events broker for annotation and
// document change notifications.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event types published by the service.
const (
	AnnotationCreated        = "annotation.created"
	AnnotationRemoved        = "annotation.removed"
	AnnotationQuestionAsked  = "annotation.question_pending"
	AnnotationAnswered       = "annotation.answered"
	AnnotationQuestionFailed = "annotation.question_failed"
	AnnotationQuestionClosed = "annotation.question_cancelled"
	AnnotationStale          = "annotation.stale"
	DocumentPatched          = "document.patched"
	DocumentChanged          = "document.changed"
	DocumentDeleted          = "document.deleted"
	StoreCorrupt             = "store.corrupt"
	OverlayInvalidated       = "overlay.invalidated"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type annotationEventReq struct {
	typ      string
	document string
	id       string
}

// Broker manages SSE client connections and broadcasts events.
//
// A single internal event loop owns mutable state (clients and the
// per-document overlay throttle). Public methods talk to the loop over
// channels, so no mutexes are required.
type Broker struct {
	overlayMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	annotationCh  chan annotationEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. overlayThrottle is the minimum gap
// between two overlay.invalidated events for the same document.
func NewBroker(overlayThrottle time.Duration) *Broker {
	if overlayThrottle <= 0 {
		overlayThrottle = 500 * time.Millisecond
	}

	b := &Broker{
		overlayMin:    overlayThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		annotationCh:  make(chan annotationEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	lastOverlay := make(map[string]time.Time)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.annotationCh:
			broadcast(Event{Type: req.typ, Data: map[string]string{
				"document":      req.document,
				"annotation_id": req.id,
			}})

			now := time.Now()
			if now.Sub(lastOverlay[req.document]) >= b.overlayMin {
				lastOverlay[req.document] = now
				broadcast(Event{Type: OverlayInvalidated, Data: map[string]string{"document": req.document}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
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

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishAnnotationEvent publishes an annotation.* event and a throttled
// overlay.invalidated event for the document.
func (b *Broker) PublishAnnotationEvent(eventType, document, annotationID string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.annotationCh <- annotationEventReq{typ: eventType, document: document, id: annotationID}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
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
