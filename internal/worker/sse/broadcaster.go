// Package sse provides Server-Sent Events broadcasting of the live
// domain event stream to popup and dashboard clients.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a single client write so a stale connection cannot
// stall the broadcast fan-out.
const WriteTimeout = 2 * time.Second

// Client is one connected event-stream subscriber.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster fans pre-serialized event payloads out to all subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers a subscriber. The writer must support flushing.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("Event stream client connected")
	return client, nil
}

// RemoveClient unregisters a subscriber and closes its Done channel.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	total := len(b.clients)
	b.mu.Unlock()

	select {
	case <-client.Done:
	default:
		close(client.Done)
	}

	log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("Event stream client disconnected")
}

// ClientCount returns the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast marshals data and fans it out.
func (b *Broadcaster) Broadcast(data any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event stream payload")
		return
	}
	b.BroadcastRaw(body)
}

// BroadcastRaw fans out an already-serialized JSON payload. This is the
// path the dispatcher observer uses: event bodies are broadcast byte for
// byte as they go to the collector.
func (b *Broadcaster) BroadcastRaw(body []byte) {
	message := fmt.Sprintf("data: %s\n\n", body)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	dead := make(chan *Client, len(clients))
	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if !writeWithTimeout(c, message) {
				dead <- c
			}
		}(client)
	}
	wg.Wait()
	close(dead)

	for client := range dead {
		log.Debug().Str("clientId", client.ID).Msg("Removing unresponsive event stream client")
		b.RemoveClient(client)
	}
}

// writeWithTimeout writes one message to one client, reporting false when
// the client is dead or too slow.
func writeWithTimeout(client *Client, message string) bool {
	done := make(chan bool, 1)
	go func() {
		if _, err := client.Writer.Write([]byte(message)); err != nil {
			done <- false
			return
		}
		client.Flusher.Flush()
		done <- true
	}()

	select {
	case ok := <-done:
		return ok
	case <-time.After(WriteTimeout):
		return false
	case <-client.Done:
		return true
	}
}

// HandleSSE serves one event-stream connection until the client goes
// away.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":%q}\n\n", client.ID)
	client.Flusher.Flush()

	<-r.Context().Done()
}
