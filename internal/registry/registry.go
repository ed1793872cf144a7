// Package registry implements the Session Registry: the process-wide,
// lock-guarded indices of active sessions, their join codes, and the
// per-principal user directory (display name, assigned station
// frequency). It replaces the teacher's ambient module-level maps with
// a single value passed explicitly to the HTTP and WebSocket layers.
package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groupjam/server/internal/apperr"
	"groupjam/server/internal/core"
	"groupjam/server/internal/metrics"
	"groupjam/server/internal/protocol"
)

// freqMin, freqMax, and freqStep describe the station frequency band:
// 88.1 through 107.9 in 0.2 increments, the source's fixed 100-slot
// band. Assignment wraps once every slot has been handed out.
const (
	freqMin  = 88.1
	freqMax  = 107.9
	freqStep = 0.2
	freqSlots = 100 // (107.9-88.1)/0.2 + 1
)

// User is a principal's stable identity as seen by the rest of the
// system: a display name, replaced by any later registration that
// supplies one, and an assigned frequency, fixed for the life of the
// process once assigned.
type User struct {
	PrincipalID string
	DisplayName string
	Frequency   float64
}

// Station is a joinable, currently-active session as surfaced by the
// /stations listing: sessions with a playing or queued DJ.
type Station struct {
	UserID       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	Frequency    float64         `json:"frequency"`
	SessionID    string          `json:"sessionId"`
	CurrentTrack *protocol.Track `json:"currentTrack,omitempty"`
}

// Registry is the Session Registry. All three indices are guarded by
// a single coarse lock — sessions never interact with each other, so
// contention is limited to registry-level operations (create, join,
// sweep), never to a session's own traffic.
type Registry struct {
	mu sync.Mutex

	sessionsByID map[string]*core.Session
	codeIndex    map[string]string // join code -> session id
	users        map[string]*User

	nextFreqSlot int

	log zerolog.Logger
}

// New constructs an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		sessionsByID: make(map[string]*core.Session),
		codeIndex:    make(map[string]string),
		users:        make(map[string]*User),
		log:          log,
	}
}

// RegisterOrUpdateUser assigns a stable frequency to principalID on
// its first sight and records/updates its display name on every
// call that supplies a non-empty one, per the Identity service's
// side-effect contract.
func (r *Registry) RegisterOrUpdateUser(principalID, displayName string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[principalID]; ok {
		if displayName != "" {
			u.DisplayName = displayName
		}
		return u
	}

	u := &User{
		PrincipalID: principalID,
		DisplayName: displayName,
		Frequency:   freqMin + freqStep*float64(r.nextFreqSlot%freqSlots),
	}
	r.nextFreqSlot++
	r.users[principalID] = u
	return u
}

// User returns the registered user record, if any.
func (r *Registry) User(principalID string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[principalID]
	return u, ok
}

// CreateSession mints a new session for creatorID: a random opaque ID,
// a unique 4-digit join code with a 1-hour TTL, and playback authority
// defaulting to the creator. Rate limiting is the caller's
// responsibility (internal/ratelimit), enforced before this is called.
func (r *Registry) CreateSession(creatorID string) *core.Session {
	r.mu.Lock()
	id := uuid.New().String()
	code := r.generateJoinCodeLocked()

	s := core.NewSession(id, code, creatorID, r.log, r.lookupByID, r.onSessionDestroyed)

	r.sessionsByID[id] = s
	r.codeIndex[code] = id
	metrics.ActiveSessions.Set(float64(len(r.sessionsByID)))
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Str("join_code", code).Str("creator_id", creatorID).Msg("session created")
	return s
}

// generateJoinCodeLocked draws a 4-digit numeric code not already in
// use. Must be called with mu held.
func (r *Registry) generateJoinCodeLocked() string {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		var v int64
		if err != nil {
			v = time.Now().UnixNano() % 10000
		} else {
			v = n.Int64()
		}
		code := fmt.Sprintf("%04d", v)
		if _, taken := r.codeIndex[code]; !taken {
			return code
		}
	}
}

// JoinByCode resolves an active, unexpired join code to its session.
func (r *Registry) JoinByCode(code string) (*core.Session, error) {
	r.mu.Lock()
	id, ok := r.codeIndex[code]
	r.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown join code")
	}

	s, ok := r.GetByID(id)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown join code")
	}
	if s.CodeExpired() {
		return nil, apperr.New(apperr.Expired, "join code has expired")
	}
	return s, nil
}

// JoinByID resolves a session directly by its opaque ID, bypassing
// the join code (and its TTL) entirely.
func (r *Registry) JoinByID(sessionID string) (*core.Session, error) {
	s, ok := r.GetByID(sessionID)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown session")
	}
	return s, nil
}

// GetByID looks up a session by its opaque ID.
func (r *Registry) GetByID(id string) (*core.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessionsByID[id]
	return s, ok
}

func (r *Registry) lookupByID(id string) *core.Session {
	s, _ := r.GetByID(id)
	return s
}

// onSessionDestroyed is the Session's onDestroy callback: it removes
// the session and its join code from both indices, satisfying
// invariant 3 (a session is in the code index iff it is in the
// session index).
func (r *Registry) onSessionDestroyed(id, reason string) {
	r.mu.Lock()
	s := r.sessionsByID[id]
	delete(r.sessionsByID, id)
	if s != nil {
		delete(r.codeIndex, s.JoinCode())
	}
	metrics.ActiveSessions.Set(float64(len(r.sessionsByID)))
	r.mu.Unlock()
	r.log.Info().Str("session_id", id).Str("reason", reason).Msg("session removed from registry")
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessionsByID)
}

// SweepIdle tears down every session that has exceeded the idle
// timeout. Intended to be called every 15 seconds by a maintenance
// goroutine (the period itself lives in the serve command's ticker in
// cli.go, not here, since this sweep is cheap and synchronous).
func (r *Registry) SweepIdle() {
	now := time.Now()
	r.mu.Lock()
	sessions := make([]*core.Session, 0, len(r.sessionsByID))
	for _, s := range r.sessionsByID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if s.IsIdle(now) {
			s.Destroy("idle-timeout", 4008)
		}
	}
}

// Stations lists every session currently playing or holding a
// non-empty queue, alongside its DJ's user record.
func (r *Registry) Stations() []Station {
	r.mu.Lock()
	sessions := make([]*core.Session, 0, len(r.sessionsByID))
	for _, s := range r.sessionsByID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	stations := make([]Station, 0, len(sessions))
	for _, s := range sessions {
		snap := s.Snapshot()
		if !snap.IsPlaying && len(snap.Queue) == 0 {
			continue
		}
		djID := snap.DJUserID
		u, _ := r.User(djID)
		station := Station{
			UserID:       djID,
			SessionID:    s.ID(),
			CurrentTrack: snap.CurrentTrack,
		}
		if u != nil {
			station.DisplayName = u.DisplayName
			station.Frequency = u.Frequency
		}
		stations = append(stations, station)
	}
	return stations
}
