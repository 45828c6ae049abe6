package engine

import (
	"sync"
	"time"
)

type binding struct {
	sessionID string
	userID    string
}

// Registry is the process-wide routing table from connection identifier to
// session and user, plus the per-player orb-check throttle and in-flight
// guards. Constructed once per process and injected into handlers; all access
// goes through the mutex so transport goroutines can call in concurrently.
type Registry struct {
	mu          sync.Mutex
	conns       map[string]binding
	orbCheckAt  map[string]time.Time
	orbInFlight map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:       make(map[string]binding),
		orbCheckAt:  make(map[string]time.Time),
		orbInFlight: make(map[string]struct{}),
	}
}

// Register binds a connection to a (session, user) pair, replacing any
// previous binding for the connection.
func (r *Registry) Register(connID, sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = binding{sessionID: sessionID, userID: userID}
}

// Lookup resolves a connection to its session and user.
func (r *Registry) Lookup(connID string) (sessionID, userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.conns[connID]
	return b.sessionID, b.userID, ok
}

// Unregister removes a connection binding and returns what it pointed at.
func (r *Registry) Unregister(connID string) (sessionID, userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	return b.sessionID, b.userID, ok
}

func throttleKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}

// AllowOrbCheck reports whether the player's orb-consumption check may run,
// bounding its rate independently of movement event rate. Claims the slot
// when allowed.
func (r *Registry) AllowOrbCheck(sessionID, userID string, interval time.Duration, now time.Time) bool {
	key := throttleKey(sessionID, userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.orbCheckAt[key]; ok && now.Sub(last) < interval {
		return false
	}
	r.orbCheckAt[key] = now
	return true
}

// BeginOrbCheck claims the per-player in-flight guard so a second movement
// event cannot re-evaluate consumption while the first is still persisting.
func (r *Registry) BeginOrbCheck(sessionID, userID string) bool {
	key := throttleKey(sessionID, userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.orbInFlight[key]; busy {
		return false
	}
	r.orbInFlight[key] = struct{}{}
	return true
}

// EndOrbCheck releases the in-flight guard.
func (r *Registry) EndOrbCheck(sessionID, userID string) {
	key := throttleKey(sessionID, userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orbInFlight, key)
}

// DropSession clears every binding and throttle entry of a session, called
// when the session ends.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, b := range r.conns {
		if b.sessionID == sessionID {
			delete(r.conns, connID)
		}
	}
	prefix := sessionID + "/"
	for key := range r.orbCheckAt {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(r.orbCheckAt, key)
		}
	}
	for key := range r.orbInFlight {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(r.orbInFlight, key)
		}
	}
}
