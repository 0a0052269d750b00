package stream

import (
	"sync"
	"time"
)

// OutputChunk is one piece of live sandbox output for a mission
type OutputChunk struct {
	MissionID string    `json:"mission_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error,omitempty"`
}

// CompletionEvent signals that a mission's stream has ended
type CompletionEvent struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Client is one connected stream consumer
type Client struct {
	ID       string
	Chunks   chan OutputChunk
	Complete chan CompletionEvent
	Done     chan struct{}
}

type missionStream struct {
	clients    map[string]*Client
	buffer     []OutputChunk
	completed  bool
	completion *CompletionEvent
	mu         sync.RWMutex
}

const bufferLimit = 200

// Manager fans sandbox output out to every subscriber of a mission
type Manager struct {
	streams map[string]*missionStream
	mu      sync.RWMutex
}

// NewManager creates an empty stream manager
func NewManager() *Manager {
	return &Manager{streams: make(map[string]*missionStream)}
}

func (m *Manager) getOrCreate(missionID string) *missionStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[missionID]; ok {
		return s
	}
	s := &missionStream{
		clients: make(map[string]*Client),
		buffer:  make([]OutputChunk, 0, bufferLimit),
	}
	m.streams[missionID] = s
	return s
}

// Subscribe registers a client for a mission's stream. Buffered chunks and a
// completion event, if any, are replayed immediately.
func (m *Manager) Subscribe(missionID, clientID string) *Client {
	s := m.getOrCreate(missionID)

	client := &Client{
		ID:       clientID,
		Chunks:   make(chan OutputChunk, 100),
		Complete: make(chan CompletionEvent, 1),
		Done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.buffer {
		select {
		case client.Chunks <- chunk:
		default:
		}
	}
	if s.completed && s.completion != nil {
		select {
		case client.Complete <- *s.completion:
		default:
		}
	}
	s.clients[clientID] = client
	return client
}

// Unsubscribe removes a client from a mission's stream
func (m *Manager) Unsubscribe(missionID, clientID string) {
	m.mu.RLock()
	s, ok := m.streams[missionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if client, ok := s.clients[clientID]; ok {
		close(client.Done)
		delete(s.clients, clientID)
	}
	empty := len(s.clients) == 0 && s.completed
	s.mu.Unlock()

	if empty {
		m.mu.Lock()
		delete(m.streams, missionID)
		m.mu.Unlock()
	}
}

// Publish sends one output chunk to every subscriber, keeping a bounded
// replay buffer for late joiners.
func (m *Manager) Publish(chunk OutputChunk) {
	s := m.getOrCreate(chunk.MissionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= bufferLimit {
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, chunk)

	for _, client := range s.clients {
		select {
		case client.Chunks <- chunk:
		default:
			// Slow client; it keeps the replay buffer
		}
	}
}

// PublishText publishes a plain output chunk for a mission
func (m *Manager) PublishText(missionID, text string, isError bool) {
	m.Publish(OutputChunk{
		MissionID: missionID,
		Text:      text,
		Timestamp: time.Now(),
		IsError:   isError,
	})
}

// Complete marks a mission's stream finished and notifies subscribers
func (m *Manager) Complete(missionID, status, errorMsg string) {
	m.mu.RLock()
	s, ok := m.streams[missionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	completion := CompletionEvent{MissionID: missionID, Status: status, Error: errorMsg}

	s.mu.Lock()
	s.completed = true
	s.completion = &completion
	for _, client := range s.clients {
		select {
		case client.Complete <- completion:
		default:
		}
	}
	s.mu.Unlock()
}

// CleanupOldStreams drops completed streams with no subscribers and no
// activity since maxAge ago.
func (m *Manager) CleanupOldStreams(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for missionID, s := range m.streams {
		s.mu.RLock()
		clientCount := len(s.clients)
		completed := s.completed
		var lastActivity time.Time
		if len(s.buffer) > 0 {
			lastActivity = s.buffer[len(s.buffer)-1].Timestamp
		}
		s.mu.RUnlock()

		if clientCount == 0 && completed && lastActivity.Before(cutoff) {
			delete(m.streams, missionID)
		}
	}
}
