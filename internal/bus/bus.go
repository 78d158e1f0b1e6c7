// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus fans kernel events out to subscribers. Delivery is best-effort:
// a failing subscriber is logged and skipped, never blocks the publisher.
package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/protocol"
)

var (
	busLog     *zerolog.Logger
	busLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	busLogOnce.Do(func() {
		l := logger.GetLogger("bus")
		busLog = &l
	})
	return busLog
}

// Subscriber receives published events. The WebSocket client registry is one;
// tests register in-process subscribers.
type Subscriber interface {
	// ID identifies the subscriber for registry operations and logging.
	ID() string
	// Send delivers one event. It must not block indefinitely.
	Send(event protocol.Event) error
}

// Scope restricts which events a subscriber receives.
type Scope struct {
	// ProjectID, when set, limits delivery to events of that project.
	ProjectID string
	// PipelineID, when set, limits delivery to events of that pipeline.
	PipelineID string
}

// All matches every event.
func (s Scope) All() bool {
	return s.ProjectID == "" && s.PipelineID == ""
}

type subscription struct {
	sub   Subscriber
	scope Scope
}

// Bus is the in-process broadcast hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]subscription),
	}
}

// Subscribe registers a subscriber under its ID, replacing any previous
// subscription with the same ID.
func (b *Bus) Subscribe(sub Subscriber, scope Scope) {
	b.mu.Lock()
	b.subs[sub.ID()] = subscription{sub: sub, scope: scope}
	b.mu.Unlock()
}

// Unsubscribe removes a subscriber. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to every subscriber whose scope matches.
func (b *Bus) Publish(event protocol.Event) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	projectID, pipelineID := extractEventIDs(event)

	for _, s := range subs {
		if !s.scope.matches(projectID, pipelineID) {
			continue
		}
		if err := s.sub.Send(event); err != nil {
			getLog().Warn().
				Err(err).
				Str("subscriber", s.sub.ID()).
				Str("event_type", eventTypeName(event)).
				Msg("Dropping event for failing subscriber")
		}
	}
}

func (s Scope) matches(projectID, pipelineID string) bool {
	if s.All() {
		return true
	}
	if s.ProjectID != "" && s.ProjectID == projectID {
		return true
	}
	if s.PipelineID != "" && s.PipelineID == pipelineID {
		return true
	}
	return false
}

func eventTypeName(event protocol.Event) string {
	return fmt.Sprintf("%T", event)
}

// extractEventIDs pulls scoping IDs from an event without an exhaustive type
// switch.
func extractEventIDs(event protocol.Event) (projectID, pipelineID string) {
	if ps, ok := event.(protocol.ProjectScoped); ok {
		projectID = ps.GetProjectID()
	}
	if ps, ok := event.(protocol.PipelineScoped); ok {
		pipelineID = ps.GetPipelineID()
	}
	return projectID, pipelineID
}
