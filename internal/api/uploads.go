package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// uploadSession tracks one in-progress blob upload. Sessions live only in
// process memory and do not survive a restart.
type uploadSession struct {
	ID         string
	Repository string
	chunks     [][]byte
	offset     int64
	createdAt  time.Time
	lastActive time.Time
}

// uploadSessionTable is the supervisor-owned session store with TTL
// expiry. The mutex guards only map and slice operations, never I/O.
type uploadSessionTable struct {
	mu       sync.Mutex
	sessions map[string]*uploadSession
	ttl      time.Duration
}

func newUploadSessionTable(ttl time.Duration) *uploadSessionTable {
	return &uploadSessionTable{
		sessions: make(map[string]*uploadSession),
		ttl:      ttl,
	}
}

func (t *uploadSessionTable) create(repository string) *uploadSession {
	now := time.Now()
	session := &uploadSession{
		ID:         uuid.NewString(),
		Repository: repository,
		createdAt:  now,
		lastActive: now,
	}

	t.mu.Lock()
	t.sessions[session.ID] = session
	t.mu.Unlock()
	return session
}

// appendChunk adds one chunk and returns the new total offset.
func (t *uploadSessionTable) appendChunk(id string, data []byte) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return 0, false
	}
	session.chunks = append(session.chunks, data)
	session.offset += int64(len(data))
	session.lastActive = time.Now()
	return session.offset, true
}

// take removes the session and returns the concatenated body. Used by the
// final PUT, which consumes the session whether or not the digest matches.
func (t *uploadSessionTable) take(id string) ([]byte, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return nil, "", false
	}
	delete(t.sessions, id)

	var size int
	for _, chunk := range session.chunks {
		size += len(chunk)
	}
	body := make([]byte, 0, size)
	for _, chunk := range session.chunks {
		body = append(body, chunk...)
	}
	return body, session.Repository, true
}

func (t *uploadSessionTable) offsetOf(id string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return 0, false
	}
	return session.offset, true
}

func (t *uploadSessionTable) delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[id]; !ok {
		return false
	}
	delete(t.sessions, id)
	return true
}

// sweep drops sessions idle past the TTL and returns how many were
// removed.
func (t *uploadSessionTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, session := range t.sessions {
		if now.Sub(session.lastActive) > t.ttl {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

func (t *uploadSessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
