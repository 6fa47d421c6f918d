package main

import "sync"

// sessionTable is a sharded concurrent map keyed by session id rather
// than client IP, since the gateway never assigns per-client IP
// addresses.
type sessionTable struct {
	shards []sessionShard
}

type sessionShard struct {
	mu   sync.RWMutex
	byID map[uint64]*Session
}

func newSessionTable(shards int) *sessionTable {
	if shards <= 0 {
		shards = 64
	}
	t := &sessionTable{shards: make([]sessionShard, shards)}
	for i := range t.shards {
		t.shards[i].byID = make(map[uint64]*Session)
	}
	return t
}

func (t *sessionTable) shard(id uint64) *sessionShard {
	idx := int(id % uint64(len(t.shards)))
	return &t.shards[idx]
}

func (t *sessionTable) Add(sess *Session) {
	sh := t.shard(sess.id)
	sh.mu.Lock()
	sh.byID[sess.id] = sess
	sh.mu.Unlock()
}

// Lookup finds a session by id, or nil if no session with that id is
// registered (expired, or it never existed).
func (t *sessionTable) Lookup(id uint64) *Session {
	sh := t.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.byID[id]
}

func (t *sessionTable) Remove(sess *Session) {
	sh := t.shard(sess.id)
	sh.mu.Lock()
	delete(sh.byID, sess.id)
	sh.mu.Unlock()
}

func (t *sessionTable) Snapshot() []*Session {
	var out []*Session
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.byID {
			out = append(out, sess)
		}
		sh.mu.RUnlock()
	}
	return out
}
