package respproc

import (
	"log"
	"sync"

	"github.com/usc-nsl/ddb/internal/protocol"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus fans a translated SessionResponse out to every interested
// subscriber, plus any number of "taps" that see everything regardless of
// type. Sends are non-blocking: a full subscriber channel drops the
// message with a warning rather than stalling the response processor.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan protocol.SessionResponse
	taps        []chan protocol.SessionResponse
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]chan protocol.SessionResponse)}
}

// Publish fans resp out to every subscriber of resp.Type, then to every
// tap. A subscriber whose channel is full has the message dropped with a
// warning rather than blocking the response processor.
func (b *Bus) Publish(resp protocol.SessionResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[resp.Type] {
		select {
		case ch <- resp:
		default:
			log.Printf("[respproc/bus] dropping response for slow subscriber of %q (sid=%d token=%s)", resp.Type, resp.Sid, resp.Token)
		}
	}
	for _, ch := range b.taps {
		select {
		case ch <- resp:
		default:
			log.Printf("[respproc/bus] dropping response for slow tap (sid=%d type=%s)", resp.Sid, resp.Type)
		}
	}
}

// Subscribe returns a buffered channel of every response whose Type
// matches messageType.
func (b *Bus) Subscribe(messageType string) <-chan protocol.SessionResponse {
	ch := make(chan protocol.SessionResponse, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[messageType] = append(b.subscribers[messageType], ch)
	b.mu.Unlock()
	return ch
}

// NewTap returns a buffered channel of every response regardless of type —
// used by the orchestrator's console printer and session activity log.
func (b *Bus) NewTap() <-chan protocol.SessionResponse {
	ch := make(chan protocol.SessionResponse, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
