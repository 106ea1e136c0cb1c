package messaging

import (
	"sync"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

// EventKind names the lifecycle and message events emitted by a client.
type EventKind string

const (
	KindConnected    EventKind = "CONNECTED"
	KindDisconnected EventKind = "DISCONNECTED"
	KindMessage      EventKind = "MESSAGE"
	KindError        EventKind = "ERROR"
)

// Event is one of Connected, Disconnected, MessageReceived or Failed.
type Event interface {
	Kind() EventKind
}

// Connected is emitted once the STOMP handshake completes.
type Connected struct {
	UserID int64
}

// Disconnected is emitted when the transport goes away. Err is nil for an
// explicit disconnect or a clean close.
type Disconnected struct {
	Err error
}

// MessageReceived is emitted for every envelope arriving on the private
// user topic.
type MessageReceived struct {
	Destination string
	Envelope    envelope.Envelope
}

// Failed carries identity, transport and protocol errors.
type Failed struct {
	Err error
}

func (Connected) Kind() EventKind       { return KindConnected }
func (Disconnected) Kind() EventKind    { return KindDisconnected }
func (MessageReceived) Kind() EventKind { return KindMessage }
func (Failed) Kind() EventKind          { return KindError }

// Listener receives events.
type Listener func(Event)

// Listeners is an ordered set of listeners. The zero value is ready to use.
type Listeners struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []registeredListener
}

type registeredListener struct {
	id uint64
	fn Listener
}

// Add registers fn and returns a function removing it again. The returned
// function is safe to call more than once.
func (l *Listeners) Add(fn Listener) (remove func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.listeners = append(l.listeners, registeredListener{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, rl := range l.listeners {
				if rl.id == id {
					l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers ev to every listener registered at the time of the call, in
// registration order.
func (l *Listeners) Emit(ev Event) {
	l.mu.RLock()
	snapshot := make([]Listener, len(l.listeners))
	for i, rl := range l.listeners {
		snapshot[i] = rl.fn
	}
	l.mu.RUnlock()

	for _, fn := range snapshot {
		fn(ev)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}
