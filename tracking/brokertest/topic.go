package brokertest

import (
	"sync"
)

// member is one SUBSCRIBE on one connection.
type member struct {
	conn *stompConn
	id   string
}

func (m member) key() string {
	return m.conn.id + "/" + m.id
}

type topic struct {
	destination string
	members     map[string]member
	mu          sync.RWMutex
}

func newTopic(destination string) *topic {
	return &topic{
		destination: destination,
		members:     make(map[string]member),
	}
}

func (t *topic) add(m member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[m.key()] = m
}

func (t *topic) remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[key]
	delete(t.members, key)
	return ok
}

func (t *topic) removeConn(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, m := range t.members {
		if m.conn.id == connID {
			delete(t.members, key)
		}
	}
}

func (t *topic) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func (t *topic) snapshot() []member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := make([]member, 0, len(t.members))
	for _, m := range t.members {
		members = append(members, m)
	}
	return members
}

// topicManager maps destinations to their subscribers.
type topicManager struct {
	topics map[string]*topic
	mu     sync.RWMutex
}

func newTopicManager() *topicManager {
	return &topicManager{
		topics: make(map[string]*topic),
	}
}

// subscribe holds the manager lock while adding so a concurrent prune cannot
// orphan the topic.
func (tm *topicManager) subscribe(destination string, m member) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, exists := tm.topics[destination]
	if !exists {
		t = newTopic(destination)
		tm.topics[destination] = t
	}
	t.add(m)
}

// unsubscribe removes a subscription id of conn from whichever topic holds it.
func (tm *topicManager) unsubscribe(conn *stompConn, id string) {
	key := member{conn: conn, id: id}.key()

	tm.mu.RLock()
	topics := make([]*topic, 0, len(tm.topics))
	for _, t := range tm.topics {
		topics = append(topics, t)
	}
	tm.mu.RUnlock()

	for _, t := range topics {
		if t.remove(key) {
			tm.pruneIfEmpty(t)
			return
		}
	}
}

func (tm *topicManager) leaveAll(connID string) {
	tm.mu.RLock()
	topics := make([]*topic, 0, len(tm.topics))
	for _, t := range tm.topics {
		topics = append(topics, t)
	}
	tm.mu.RUnlock()

	for _, t := range topics {
		t.removeConn(connID)
		tm.pruneIfEmpty(t)
	}
}

func (tm *topicManager) pruneIfEmpty(t *topic) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.topics[t.destination] == t && t.count() == 0 {
		delete(tm.topics, t.destination)
	}
}

func (tm *topicManager) count(destination string) int {
	tm.mu.RLock()
	t, exists := tm.topics[destination]
	tm.mu.RUnlock()

	if !exists {
		return 0
	}
	return t.count()
}

func (tm *topicManager) members(destination string) []member {
	tm.mu.RLock()
	t, exists := tm.topics[destination]
	tm.mu.RUnlock()

	if !exists {
		return nil
	}
	return t.snapshot()
}
