// Package realtime streams escrow chat, escrow status changes and fee
// routing activity to WebSocket subscribers.
//
// Clients receive every event by default and can narrow the stream by
// sending a Subscription as a JSON text frame at any time.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// EventType names a realtime event.
type EventType string

const (
	EventEscrowStatus  EventType = "escrow_status"
	EventEscrowMessage EventType = "escrow_message"
	EventFeeRouted     EventType = "fee_routed"
	EventFeeCompleted  EventType = "fee_completed"
)

// Event is one realtime message. The unexported fields drive subscription
// filtering and are never sent.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`

	userIDs  []string
	escrowID string
	vendorID string
}

// Subscription narrows what a client receives. Every non-empty filter
// must match.
type Subscription struct {
	AllEvents      bool        `json:"allEvents"`
	EventTypes     []EventType `json:"eventTypes"`
	UserIDs        []string    `json:"userIds"`        // escrows where one of these is buyer or seller
	TransactionIDs []string    `json:"transactionIds"` // specific escrow transactions
	VendorIDs      []string    `json:"vendorIds"`      // fee events for these vendors
}

// Matches reports whether e passes the subscription filters.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.UserIDs) > 0 && !slices.ContainsFunc(e.userIDs, func(id string) bool {
		return slices.Contains(s.UserIDs, id)
	}) {
		return false
	}
	if len(s.TransactionIDs) > 0 && !slices.Contains(s.TransactionIDs, e.escrowID) {
		return false
	}
	if len(s.VendorIDs) > 0 && !slices.Contains(s.VendorIDs, e.vendorID) {
		return false
	}
	return true
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub owns the set of connected clients. All membership changes happen on
// the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub loop. It returns when ctx is cancelled, after closing
// every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			h.deliver(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveRealtimeClients.Set(float64(n))
	h.logger.Debug("realtime client connected", "total", n)
}

func (h *Hub) remove(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveRealtimeClients.Set(float64(n))
	h.logger.Debug("realtime client disconnected", "total", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send) // writePump answers a closed channel with a close frame
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveRealtimeClients.Set(0)
}

// deliver fans e out to matching clients. Clients whose buffer is full are
// dropped rather than allowed to stall the hub.
func (h *Hub) deliver(e *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", e.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.logger.Warn("dropping slow realtime clients", "count", len(slow))
		h.remove(slow...)
	}
}

// Broadcast queues an event without blocking. Events are dropped when the
// queue is full.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", e.Type)
	}
}

// Stats returns hub counters for the /ws/stats endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

func (h *Hub) full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.maxClients
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
