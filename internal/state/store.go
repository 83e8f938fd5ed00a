// ABOUTME: Generic entity cache keyed by (kind, id) with per-key striped locking.
// ABOUTME: Message entries are bounded with FIFO eviction via a linked list.

package state

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// Entity kinds tracked by the store.
const (
	KindGuild   = "guild"
	KindChannel = "channel"
	KindUser    = "user"
	KindMessage = "message"
	KindMember  = "member"
	KindRole    = "role"
)

// DefaultMaxMessages bounds the message cache, matching the upstream
// client's default of one thousand retained messages.
const DefaultMaxMessages = 1000

// stripeCount is the number of lock stripes. Mutations serialize per key,
// not globally, so one hot entity cannot stall unrelated updates.
const stripeCount = 64

// Entity is a generic cached record: a stable id within a kind namespace and
// a bag of decoded fields.
type Entity struct {
	Kind   string
	ID     string
	Fields map[string]any
}

// clone returns a snapshot safe to hand out: callers never hold references
// into live store memory.
func (e *Entity) clone() *Entity {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &Entity{Kind: e.Kind, ID: e.ID, Fields: fields}
}

type stripe struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// Store is the cache/state store. Exactly one live record exists per
// (kind, id) pair; ApplyEvent is the only mutation path during normal
// operation, though Upsert/Remove are exposed for direct use.
type Store struct {
	stripes [stripeCount]stripe

	// Message eviction bookkeeping, oldest at the front.
	msgMu        sync.Mutex
	msgOrder     *list.List
	msgElems     map[string]*list.Element
	maxMessages  int
	applyByName  map[string]applyFunc
}

// NewStore creates a Store with the default message bound.
func NewStore() *Store {
	return NewStoreWithLimits(DefaultMaxMessages)
}

// NewStoreWithLimits creates a Store retaining at most maxMessages message
// entities. A non-positive bound disables message caching limits.
func NewStoreWithLimits(maxMessages int) *Store {
	s := &Store{
		msgOrder:    list.New(),
		msgElems:    make(map[string]*list.Element),
		maxMessages: maxMessages,
	}
	for i := range s.stripes {
		s.stripes[i].entities = make(map[string]*Entity)
	}
	s.applyByName = buildApplyTable()
	return s
}

func entityKey(kind, id string) string {
	return kind + "/" + id
}

func (s *Store) stripeFor(key string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.stripes[h.Sum32()%stripeCount]
}

// Get returns a snapshot of the entity, or false when absent.
func (s *Store) Get(kind, id string) (*Entity, bool) {
	key := entityKey(kind, id)
	st := s.stripeFor(key)

	st.mu.RLock()
	defer st.mu.RUnlock()

	e, ok := st.entities[key]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Upsert merges fields into the entity, creating it when absent. It returns
// a snapshot of the entity before the merge, or nil when it was created.
func (s *Store) Upsert(kind, id string, fields map[string]any) *Entity {
	key := entityKey(kind, id)
	st := s.stripeFor(key)

	st.mu.Lock()
	e, ok := st.entities[key]
	var before *Entity
	if ok {
		before = e.clone()
		for k, v := range fields {
			e.Fields[k] = v
		}
	} else {
		e = &Entity{Kind: kind, ID: id, Fields: make(map[string]any, len(fields))}
		for k, v := range fields {
			e.Fields[k] = v
		}
		st.entities[key] = e
	}
	st.mu.Unlock()

	if kind == KindMessage && !ok {
		s.trackMessage(key)
	}
	return before
}

// Remove deletes the entity and returns its last snapshot, or false when it
// was not cached.
func (s *Store) Remove(kind, id string) (*Entity, bool) {
	key := entityKey(kind, id)
	st := s.stripeFor(key)

	st.mu.Lock()
	e, ok := st.entities[key]
	if ok {
		delete(st.entities, key)
	}
	st.mu.Unlock()

	if !ok {
		return nil, false
	}
	if kind == KindMessage {
		s.untrackMessage(key)
	}
	return e, true
}

// Len reports the number of cached entities of the given kind.
func (s *Store) Len(kind string) int {
	n := 0
	prefix := kind + "/"
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for key := range st.entities {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				n++
			}
		}
		st.mu.RUnlock()
	}
	return n
}

// trackMessage records insertion order and evicts the oldest message when
// the bound is exceeded.
func (s *Store) trackMessage(key string) {
	if s.maxMessages <= 0 {
		return
	}

	var evict string
	s.msgMu.Lock()
	if _, exists := s.msgElems[key]; !exists {
		s.msgElems[key] = s.msgOrder.PushBack(key)
	}
	if s.msgOrder.Len() > s.maxMessages {
		front := s.msgOrder.Front()
		evict, _ = front.Value.(string)
		s.msgOrder.Remove(front)
		delete(s.msgElems, evict)
	}
	s.msgMu.Unlock()

	if evict != "" {
		st := s.stripeFor(evict)
		st.mu.Lock()
		delete(st.entities, evict)
		st.mu.Unlock()
	}
}

func (s *Store) untrackMessage(key string) {
	if s.maxMessages <= 0 {
		return
	}
	s.msgMu.Lock()
	if elem, ok := s.msgElems[key]; ok {
		s.msgOrder.Remove(elem)
		delete(s.msgElems, key)
	}
	s.msgMu.Unlock()
}
