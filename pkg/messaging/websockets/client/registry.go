package client

import (
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"

	"github.com/stageconnect/messaging/pkg/messaging"
)

// Subscription is a registered destination subscription. It is only valid
// for the transport session it was created on.
type Subscription struct {
	id          string
	destination string
	handler     messaging.Handler
	session     *session
	client      *Client
}

func (s *Subscription) ID() string          { return s.id }
func (s *Subscription) Destination() string { return s.destination }

// Unsubscribe removes the subscription and tells the server, if the session
// it belongs to is still live.
func (s *Subscription) Unsubscribe() error {
	return s.client.unsubscribe(s)
}

// registry tracks subscriptions by destination and by id. Callers hold the
// client mutex.
type registry struct {
	byDestination map[string]*Subscription
	byID          map[string]*Subscription
	order         []*Subscription
}

func newRegistry() *registry {
	return &registry{
		byDestination: make(map[string]*Subscription),
		byID:          make(map[string]*Subscription),
	}
}

func (r *registry) get(destination string) *Subscription {
	return r.byDestination[destination]
}

func (r *registry) add(sub *Subscription) {
	r.byDestination[sub.destination] = sub
	r.byID[sub.id] = sub
	r.order = append(r.order, sub)
}

// remove deletes sub and reports whether it was registered.
func (r *registry) remove(sub *Subscription) bool {
	if r.byID[sub.id] != sub {
		return false
	}
	delete(r.byID, sub.id)
	delete(r.byDestination, sub.destination)
	for i, s := range r.order {
		if s == sub {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// drain empties the registry, returning its subscriptions in the order they
// were made.
func (r *registry) drain() []*Subscription {
	subs := r.order
	r.byDestination = make(map[string]*Subscription)
	r.byID = make(map[string]*Subscription)
	r.order = nil
	return subs
}

func (r *registry) len() int {
	return len(r.order)
}

// route finds the subscription for an inbound MESSAGE frame: by the
// subscription header when present, otherwise by destination, where
// registered destinations may use MQTT-style + and # wildcards.
func (r *registry) route(subscriptionID, destination string) *Subscription {
	if sub, ok := r.byID[subscriptionID]; ok {
		return sub
	}
	if sub, ok := r.byDestination[destination]; ok {
		return sub
	}
	for _, sub := range r.order {
		if isPattern(sub.destination) && mqttpattern.Matches(sub.destination, destination) {
			return sub
		}
	}
	return nil
}

func isPattern(destination string) bool {
	return strings.ContainsAny(destination, "+#")
}
