package nats

import (
	"context"
	"sync"
)

// MockPublisher records published vault events in memory for tests.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*VaultEvent
	publishError    error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*VaultEvent, 0),
	}
}

func (m *MockPublisher) PublishEvent(ctx context.Context, event *VaultEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []*VaultEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*VaultEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventsForSubject returns events published to subject.
func (m *MockPublisher) GetPublishedEventsForSubject(subject string) []*VaultEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*VaultEvent, 0)
	for _, event := range m.publishedEvents {
		if event.Subject() == subject {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}
