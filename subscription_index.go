package mqtt311

import (
	"sort"
	"strings"
	"sync"
)

// SessionHandle is a non-owning reference to a session. The generation
// changes every time a client identity gets a fresh session, so a handle to
// a destroyed session never resolves to its successor.
type SessionHandle struct {
	ClientID   string
	Generation uint64
}

// Subscriber is one session's entry for a topic filter.
type Subscriber struct {
	Handle SessionHandle
	QoS    byte
}

type indexNode struct {
	children    map[string]*indexNode
	subscribers map[string]Subscriber // client id -> entry
}

func (n *indexNode) empty() bool {
	return len(n.children) == 0 && len(n.subscribers) == 0
}

// SubscriptionIndex maps topic filters to subscribed sessions. It is safe
// for concurrent use; every mutation holds the write lock only for the
// duration of one trie update.
type SubscriptionIndex struct {
	mu     sync.RWMutex
	root   *indexNode
	owners map[string]map[string]byte // client id -> filter -> granted QoS
	count  int
}

// NewSubscriptionIndex creates an empty subscription index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		root:   &indexNode{},
		owners: make(map[string]map[string]byte),
	}
}

// Subscribe inserts or updates the entry for (handle, filter). It reports
// whether the entry is new.
func (x *SubscriptionIndex) Subscribe(handle SessionHandle, filter string, qos byte) (bool, error) {
	if err := ValidateTopicFilter(filter); err != nil {
		return false, err
	}
	if qos > 2 {
		return false, ErrInvalidQoS
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	node := x.root
	for _, level := range strings.Split(filter, topicSeparator) {
		if node.children == nil {
			node.children = make(map[string]*indexNode)
		}
		child, ok := node.children[level]
		if !ok {
			child = &indexNode{}
			node.children[level] = child
		}
		node = child
	}

	if node.subscribers == nil {
		node.subscribers = make(map[string]Subscriber)
	}
	_, existed := node.subscribers[handle.ClientID]
	node.subscribers[handle.ClientID] = Subscriber{Handle: handle, QoS: qos}

	filters, ok := x.owners[handle.ClientID]
	if !ok {
		filters = make(map[string]byte)
		x.owners[handle.ClientID] = filters
	}
	filters[filter] = qos

	if !existed {
		x.count++
	}
	return !existed, nil
}

// Unsubscribe removes the entry for (handle, filter). Entries owned by a
// different generation of the same client are left alone.
func (x *SubscriptionIndex) Unsubscribe(handle SessionHandle, filter string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.removeLocked(handle, filter)
}

// RemoveSession removes every entry owned by handle and returns how many
// were removed.
func (x *SubscriptionIndex) RemoveSession(handle SessionHandle) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for filter := range x.owners[handle.ClientID] {
		if x.removeLocked(handle, filter) {
			removed++
		}
	}
	return removed
}

func (x *SubscriptionIndex) removeLocked(handle SessionHandle, filter string) bool {
	levels := strings.Split(filter, topicSeparator)
	path := make([]*indexNode, 0, len(levels)+1)

	node := x.root
	path = append(path, node)
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			return false
		}
		node = child
		path = append(path, node)
	}

	sub, ok := node.subscribers[handle.ClientID]
	if !ok || sub.Handle.Generation != handle.Generation {
		return false
	}
	delete(node.subscribers, handle.ClientID)
	x.count--

	if filters := x.owners[handle.ClientID]; filters != nil {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(x.owners, handle.ClientID)
		}
	}

	// Prune nodes left without children or subscribers.
	for i := len(levels) - 1; i >= 0; i-- {
		if !path[i+1].empty() {
			break
		}
		delete(path[i].children, levels[i])
	}

	return true
}

// Filters returns a copy of the filters held by a client.
func (x *SubscriptionIndex) Filters(clientID string) map[string]byte {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[string]byte, len(x.owners[clientID]))
	for filter, qos := range x.owners[clientID] {
		out[filter] = qos
	}
	return out
}

// Match returns the sessions that should receive a message published to
// topic. A session matched through several filters appears once, with the
// highest granted QoS among them. Results are ordered by client id.
func (x *SubscriptionIndex) Match(topic string) []Subscriber {
	if ValidateTopicName(topic) != nil {
		return nil
	}

	best := make(map[string]Subscriber)
	levels := strings.Split(topic, topicSeparator)

	x.mu.RLock()
	matchNode(x.root, levels, 0, IsReservedTopic(topic), best)
	x.mu.RUnlock()

	out := make([]Subscriber, 0, len(best))
	for _, sub := range best {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Handle.ClientID < out[j].Handle.ClientID
	})
	return out
}

func collect(node *indexNode, best map[string]Subscriber) {
	for clientID, sub := range node.subscribers {
		if prev, ok := best[clientID]; !ok || sub.QoS > prev.QoS {
			best[clientID] = sub
		}
	}
}

func matchNode(node *indexNode, levels []string, idx int, reserved bool, best map[string]Subscriber) {
	wildcardsAllowed := !reserved || idx > 0

	if wildcardsAllowed {
		if child, ok := node.children[multiLevelWildcard]; ok {
			collect(child, best)
		}
	}

	if idx == len(levels) {
		collect(node, best)
		return
	}

	if child, ok := node.children[levels[idx]]; ok {
		matchNode(child, levels, idx+1, reserved, best)
	}
	if wildcardsAllowed {
		if child, ok := node.children[singleLevelWildcard]; ok {
			matchNode(child, levels, idx+1, reserved, best)
		}
	}
}

// Count returns the total number of (session, filter) entries.
func (x *SubscriptionIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.count
}

// SessionCount returns the number of sessions holding at least one entry.
func (x *SubscriptionIndex) SessionCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.owners)
}
