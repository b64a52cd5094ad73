/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broadcast fans out domain events to WebSocket clients so
// committee boat tablets and shore displays follow the countdown live.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/telemetry"
)

// replaySize is how many recent events a newly connected client
// receives, enough to reconstruct the current sequence state after a
// brief signal drop on the water.
const replaySize = 64

// Envelope is the wire form sent to clients.
type Envelope struct {
	Type      events.EventType `json:"type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

type client struct {
	ch   chan []byte
	done chan struct{}
}

// Hub relays bus events to connected WebSocket clients.
type Hub struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	recent  []json.RawMessage
	stop    chan struct{}
	subs    map[events.EventType]events.Subscriber
}

// NewHub creates a hub and starts relaying bus events.
func NewHub(bus *events.Bus, logger zerolog.Logger) *Hub {
	h := &Hub{
		bus:     bus,
		logger:  logger.With().Str("component", "broadcast").Logger(),
		clients: make(map[*client]struct{}),
		stop:    make(chan struct{}),
		subs:    make(map[events.EventType]events.Subscriber),
	}

	for _, eventType := range events.All() {
		sub := bus.Subscribe(eventType)
		h.subs[eventType] = sub
		go h.relay(eventType, sub)
	}

	return h
}

func (h *Hub) relay(eventType events.EventType, sub events.Subscriber) {
	for {
		select {
		case <-h.stop:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(Envelope{
				Type:      eventType,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				h.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("marshal event")
				continue
			}
			h.broadcast(data)
		}
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	h.recent = append(h.recent, data)
	if len(h.recent) > replaySize {
		h.recent = h.recent[len(h.recent)-replaySize:]
	}
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.ch <- data:
		default:
			// Slow client, drop the frame. Replay on reconnect covers it.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	replay := append([]json.RawMessage(nil), h.recent...)
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	telemetry.BroadcastClients.Set(float64(count))
	h.logger.Info().Int("clients", count).Msg("event stream client connected")

	defer func() {
		close(c.done)
		h.mu.Lock()
		delete(h.clients, c)
		count := len(h.clients)
		h.mu.Unlock()
		telemetry.BroadcastClients.Set(float64(count))
		h.logger.Info().Int("clients", count).Msg("event stream client disconnected")
	}()

	for _, data := range replay {
		if err := conn.Write(ctx, ws.MessageText, data); err != nil {
			return
		}
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return
		case <-h.stop:
			conn.Close(ws.StatusGoingAway, "server shutting down")
			return
		case data := <-c.ch:
			if err := conn.Write(ctx, ws.MessageText, data); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-keepalive.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

// Close stops the relay and disconnects all clients.
func (h *Hub) Close() {
	close(h.stop)
	for eventType, sub := range h.subs {
		h.bus.Unsubscribe(eventType, sub)
	}
}
