// Package router dispatches messages released by the broker to handlers
// selected by topic filter, QoS, publisher and payload conditions.
package router

import (
	"cmp"
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqtt311"
)

// Handler processes a message. from is the publishing connection, nil for
// messages injected with Server.Publish.
type Handler func(from *mqtt311.Connection, msg *mqtt311.Message)

// ID identifies a registered handler.
type ID uint64

// predicate is one condition a message must meet.
type predicate func(from *mqtt311.Connection, msg *mqtt311.Message) bool

type rule struct {
	filter string
	checks []predicate
}

// ConditionOption narrows the messages a handler receives.
type ConditionOption func(*rule)

// WithTopic sets the topic filter, with the usual + and # wildcards. A
// handler without one receives every topic that does not start with $.
func WithTopic(filter string) ConditionOption {
	return func(r *rule) {
		r.filter = filter
	}
}

// WithQoS matches the QoS the message was published with.
func WithQoS(qos byte) ConditionOption {
	return check(func(_ *mqtt311.Connection, msg *mqtt311.Message) bool {
		return msg.QoS == qos
	})
}

// WithRetain matches the RETAIN flag of the original PUBLISH.
func WithRetain(retain bool) ConditionOption {
	return check(func(_ *mqtt311.Connection, msg *mqtt311.Message) bool {
		return msg.Retain == retain
	})
}

// WithClientID matches the publisher client ID.
func WithClientID(pattern *regexp.Regexp) ConditionOption {
	return check(func(_ *mqtt311.Connection, msg *mqtt311.Message) bool {
		return pattern.MatchString(msg.ClientID)
	})
}

// WithUsername matches the username the publisher connected with. Broker
// injected messages never match.
func WithUsername(pattern *regexp.Regexp) ConditionOption {
	return check(func(from *mqtt311.Connection, _ *mqtt311.Message) bool {
		return from != nil && pattern.MatchString(from.Username())
	})
}

// WithPayload matches the payload bytes.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return check(func(_ *mqtt311.Connection, msg *mqtt311.Message) bool {
		return pattern.Match(msg.Payload)
	})
}

// WithBrokerOrigin matches only messages injected with Server.Publish.
func WithBrokerOrigin() ConditionOption {
	return check(func(from *mqtt311.Connection, msg *mqtt311.Message) bool {
		return from == nil && msg.ClientID == ""
	})
}

func check(p predicate) ConditionOption {
	return func(r *rule) {
		r.checks = append(r.checks, p)
	}
}

type entry struct {
	id      ID
	checks  []predicate
	handler Handler
}

// Router dispatches messages to handlers. Entries are grouped by topic
// filter so a message is matched once against each distinct filter.
type Router struct {
	mu     sync.RWMutex
	next   ID
	byID   map[ID]string
	groups map[string][]entry
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		byID:   make(map[ID]string),
		groups: make(map[string][]entry),
	}
}

// Handle registers handler under the given conditions and returns its ID.
// An invalid topic filter is refused.
//
//	r.Handle(h, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(h, WithTopic("cmd/+"), WithUsername(regexp.MustCompile(`^ops-`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) (ID, error) {
	ru := rule{filter: "#"}
	for _, opt := range opts {
		opt(&ru)
	}
	if err := mqtt311.ValidateTopicFilter(ru.filter); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.byID[id] = ru.filter
	r.groups[ru.filter] = append(r.groups[ru.filter], entry{id: id, checks: ru.checks, handler: handler})
	return id, nil
}

// Remove unregisters a handler. It reports whether the ID was known.
func (r *Router) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	group := slices.DeleteFunc(r.groups[filter], func(e entry) bool { return e.id == id })
	if len(group) == 0 {
		delete(r.groups, filter)
	} else {
		r.groups[filter] = group
	}
	return true
}

// Route calls every handler whose conditions accept msg, in registration
// order, and returns how many ran. Handlers run outside the router lock.
func (r *Router) Route(from *mqtt311.Connection, msg *mqtt311.Message) int {
	if msg == nil {
		return 0
	}

	var matched []entry
	r.mu.RLock()
	for filter, group := range r.groups {
		if !mqtt311.TopicMatch(filter, msg.Topic) {
			continue
		}
		for _, e := range group {
			if accepts(e.checks, from, msg) {
				matched = append(matched, e)
			}
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b entry) int {
		return cmp.Compare(a.id, b.id)
	})
	for _, e := range matched {
		e.handler(from, msg)
	}
	return len(matched)
}

func accepts(checks []predicate, from *mqtt311.Connection, msg *mqtt311.Message) bool {
	for _, ok := range checks {
		if !ok(from, msg) {
			return false
		}
	}
	return true
}

// Filters returns the distinct registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := make([]string, 0, len(r.groups))
	for filter := range r.groups {
		filters = append(filters, filter)
	}
	slices.Sort(filters)
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear removes all handlers. IDs are not reused.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.byID)
	clear(r.groups)
}

// ServerOption installs the router as the broker's OnMessage hook. Handlers
// run on the publishing connection's worker and must not block.
func (r *Router) ServerOption() mqtt311.ServerOption {
	return mqtt311.OnMessage(func(from *mqtt311.Connection, msg *mqtt311.Message) {
		r.Route(from, msg)
	})
}
