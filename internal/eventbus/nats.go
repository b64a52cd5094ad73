/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays in-process domain events to NATS so that
// result boats, club displays, and other external consumers can follow
// a race day without polling the API.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/saltline/startline/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// natsMessage is the wire form published to NATS subjects.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// NATSRelay subscribes to every in-process event type and republishes
// each event on "startline.events.<type>". Relay failure never blocks
// the scheduler: an unreachable broker just drops the external feed.
type NATSRelay struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	nodeID string

	// gate, when set, suppresses publishing unless it returns true.
	// Multi-instance deployments point it at the leader election so
	// only one boat feeds the external stream.
	gate func() bool

	stop chan struct{}
	wg   sync.WaitGroup
	subs map[events.EventType]events.Subscriber
}

// SetGate installs a publish gate. Call before events start flowing.
func (r *NATSRelay) SetGate(gate func() bool) {
	r.gate = gate
}

// NewNATSRelay connects to NATS and starts relaying events from bus.
func NewNATSRelay(cfg NATSConfig, bus *events.Bus, logger zerolog.Logger) (*NATSRelay, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.Name("startline"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	r := &NATSRelay{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		nodeID: nodeID(),
		stop:   make(chan struct{}),
		subs:   make(map[events.EventType]events.Subscriber),
	}

	for _, eventType := range events.All() {
		sub := bus.Subscribe(eventType)
		r.subs[eventType] = sub
		r.wg.Add(1)
		go r.relay(eventType, sub)
	}

	r.logger.Info().Str("url", cfg.URL).Msg("NATS event relay started")
	return r, nil
}

func (r *NATSRelay) relay(eventType events.EventType, sub events.Subscriber) {
	defer r.wg.Done()
	subject := "startline.events." + string(eventType)
	for {
		select {
		case <-r.stop:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if r.gate != nil && !r.gate() {
				continue
			}
			data, err := json.Marshal(natsMessage{
				EventType: eventType,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
				NodeID:    r.nodeID,
				MessageID: uuid.New().String(),
			})
			if err != nil {
				r.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("marshal event")
				continue
			}
			if err := r.conn.Publish(subject, data); err != nil {
				r.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
			}
		}
	}
}

// Close stops the relay and drains the connection.
func (r *NATSRelay) Close() error {
	close(r.stop)
	for eventType, sub := range r.subs {
		r.bus.Unsubscribe(eventType, sub)
	}
	r.wg.Wait()
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "startline"
	}
	return host + "-" + uuid.New().String()[:8]
}
