/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"

	"github.com/saltline/startline/internal/telemetry"
)

// EventType enumerates event categories.
type EventType string

const (
	// Signal events, one per successful state transition.
	EventWarningSignaled     EventType = "start.warning"
	EventPreparatorySignaled EventType = "start.preparatory"
	EventOneMinuteSignaled   EventType = "start.one_minute"
	EventStartSignaled       EventType = "start.gun"
	EventGeneralRecall       EventType = "start.general_recall"
	EventIndividualRecall    EventType = "start.individual_recall"
	EventPostponed           EventType = "start.postponed"
	EventResumed             EventType = "start.resumed"
	EventAbandoned           EventType = "start.abandoned"

	// Schedule lifecycle events.
	EventScheduleCreated   EventType = "schedule.created"
	EventFleetsAdded       EventType = "schedule.fleets_added"
	EventFleetsReordered   EventType = "schedule.reordered"
	EventScheduleReady     EventType = "schedule.ready"
	EventSequenceStarted   EventType = "schedule.active"
	EventScheduleCompleted EventType = "schedule.completed"
)

// All lists every event type. The audit sink and broadcast hub
// subscribe to the full set.
func All() []EventType {
	return []EventType{
		EventWarningSignaled,
		EventPreparatorySignaled,
		EventOneMinuteSignaled,
		EventStartSignaled,
		EventGeneralRecall,
		EventIndividualRecall,
		EventPostponed,
		EventResumed,
		EventAbandoned,
		EventScheduleCreated,
		EventFleetsAdded,
		EventFleetsReordered,
		EventScheduleReady,
		EventSequenceStarted,
		EventScheduleCompleted,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop events
// rather than stall the scheduler. Sends stay under the read lock so
// Unsubscribe cannot close a channel mid-publish; the sends never
// block, so holding the lock here is safe.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	telemetry.EventsPublishedTotal.WithLabelValues(string(eventType)).Inc()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
