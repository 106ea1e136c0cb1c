package server

import (
	"strings"
	"sync"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/google/uuid"

	"github.com/stageconnect/messaging/pkg/messaging/stomp"
)

// router maps subscriptions to sessions. Subscribed destinations may use
// MQTT-style + and # wildcards.
type router struct {
	mu     sync.RWMutex
	routes map[*session]map[string]string // session -> subscription id -> destination
}

func newRouter() *router {
	return &router{routes: make(map[*session]map[string]string)}
}

func (r *router) subscribe(s *session, id, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.routes[s]
	if !ok {
		subs = make(map[string]string)
		r.routes[s] = subs
	}
	subs[id] = destination
}

func (r *router) unsubscribe(s *session, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.routes[s]
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	return true
}

func (r *router) drop(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, s)
}

func (r *router) subscriptions(s *session) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[s])
}

// publish fans body out to every matching subscription.
func (r *router) publish(destination, contentType string, body []byte) int {
	type target struct {
		session *session
		id      string
	}

	r.mu.RLock()
	var targets []target
	for s, subs := range r.routes {
		for id, pattern := range subs {
			if matches(pattern, destination) {
				targets = append(targets, target{session: s, id: id})
			}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		frame := stomp.NewMessage(t.id, uuid.NewString(), destination, contentType, body)
		if t.session.deliver(frame) {
			delivered++
		}
	}
	return delivered
}

func matches(pattern, destination string) bool {
	if pattern == destination {
		return true
	}
	if !strings.ContainsAny(pattern, "+#") {
		return false
	}
	return mqttpattern.Matches(pattern, destination)
}
