// Package stream holds the identity model and the authoritative live
// state for the single configured ingest stream.
package stream

import (
	"strings"
	"sync"
	"time"
)

// Identity is the immutable (application, key) pair a publisher pushes to.
type Identity struct {
	App string
	Key string
}

// Path returns the canonical stream path, e.g. "/live/stream".
func (id Identity) Path() string {
	return "/" + id.App + "/" + id.Key
}

// Registry resolves ingest stream paths to the configured identity.
// Paths for any other application or key do not resolve; the service
// tracks exactly one configured stream.
type Registry struct {
	identity Identity
}

// NewRegistry creates a registry for the configured application and key
func NewRegistry(app, key string) *Registry {
	return &Registry{identity: Identity{App: app, Key: key}}
}

// Identity returns the configured stream identity
func (r *Registry) Identity() Identity {
	return r.identity
}

// Resolve maps a stream path delivered by the ingest protocol server to
// the configured identity. Query strings (publish tokens etc.) are
// stripped before matching.
func (r *Registry) Resolve(path string) (Identity, bool) {
	if i := strings.IndexByte(path, '?'); i != -1 {
		path = path[:i]
	}
	path = strings.TrimSuffix(path, "/")
	if path != r.identity.Path() {
		return Identity{}, false
	}
	return r.identity, true
}

// Snapshot is a point-in-time copy of the stream state
type Snapshot struct {
	Live      bool       `json:"live"`
	Path      string     `json:"path"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// State is the single authoritative live-state record for an identity.
// It is created once at process start with live=false and is never
// destroyed; publish/unpublish events flip the live flag.
type State struct {
	mu        sync.RWMutex
	identity  Identity
	live      bool
	startedAt *time.Time
	lastError string
}

// NewState creates the state record for an identity, offline
func NewState(identity Identity) *State {
	return &State{identity: identity}
}

// Identity returns the identity this state tracks
func (s *State) Identity() Identity {
	return s.identity
}

// SetLive marks the stream live and records the start time. Returns
// false if the stream was already live, so callers can treat duplicate
// publish signals as no-ops.
func (s *State) SetLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		return false
	}
	now := time.Now().UTC()
	s.live = true
	s.startedAt = &now
	s.lastError = ""
	return true
}

// SetOffline resets the stream to live=false. Returns false if the
// stream was not live.
func (s *State) SetOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return false
	}
	s.live = false
	s.startedAt = nil
	return true
}

// SetLastError records an operator-visible error, e.g. a transcoder
// whose restart budget is exhausted
func (s *State) SetLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// Live reports whether the stream is currently live
func (s *State) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Get returns a point-in-time snapshot of the state
func (s *State) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Live:      s.live,
		Path:      s.identity.Path(),
		LastError: s.lastError,
	}
	if s.startedAt != nil {
		t := *s.startedAt
		snap.StartedAt = &t
	}
	return snap
}
