// Package core implements the Session Core: the anchored-position
// playback state machine, its epoch/sequence broadcast ordering, the
// advancement timer, and membership/authority management. It knows
// nothing about HTTP, WebSockets, or JSON framing — callers hand it a
// Conn per member and the session drives it directly.
package core

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"groupjam/server/internal/apperr"
	"groupjam/server/internal/metrics"
	"groupjam/server/internal/protocol"
)

const (
	// MaxMembers bounds concurrent session membership.
	MaxMembers = 10
	// IdleTimeout tears down a session that has seen no activity.
	IdleTimeout = 30 * time.Minute
	// EmptyGracePeriod is how long an emptied-but-non-trivial session
	// (non-empty queue or still playing) is kept alive for a rejoin
	// before it is destroyed.
	EmptyGracePeriod = 5 * time.Minute
)

// Conn is the minimal interface a transport connection must satisfy for
// a Session to drive it. Implementations live in internal/ws.
type Conn interface {
	Send(protocol.Envelope) error
	Close(code int, reason string)
}

// Member is one connected (or recently connected) participant.
type Member struct {
	UserID      string
	DisplayName string
	JoinedAt    time.Time
	Conn        Conn
}

// Session is one group-listening session: a DJ-authoritative playback
// state shared by its members, advanced either by explicit control
// operations or by its own advancement timer.
type Session struct {
	mu sync.Mutex

	id            string
	joinCode      string
	createdAt     time.Time
	codeExpiresAt time.Time

	creatorID string
	djUserID  string

	members map[string]*Member

	epoch    uint64
	sequence uint64

	currentTrack      *protocol.Track
	isPlaying         bool
	positionMs        int64
	positionTimestamp int64 // unix ms, wall clock at which positionMs was known-accurate

	queue []protocol.QueueEntry

	lastActivity time.Time

	advancementTimer *time.Timer
	destroyTimer     *time.Timer
	destroyed        bool

	log zerolog.Logger

	lookup    func(id string) *Session
	onDestroy func(id string, reason string)
}

// NewSession constructs a Session. lookup re-resolves this session by ID
// at timer-fire time so a destroyed session's stale timers are no-ops;
// onDestroy is called exactly once when the session tears itself down.
func NewSession(id, joinCode, creatorID string, log zerolog.Logger, lookup func(string) *Session, onDestroy func(string, string)) *Session {
	now := time.Now()
	return &Session{
		id:            id,
		joinCode:      joinCode,
		createdAt:     now,
		codeExpiresAt: now.Add(time.Hour),
		creatorID:     creatorID,
		djUserID:      creatorID,
		members:       make(map[string]*Member),
		lastActivity:  now,
		log:           log.With().Str("session_id", id).Logger(),
		lookup:        lookup,
		onDestroy:     onDestroy,
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// JoinCode returns the current join code, regardless of expiry.
func (s *Session) JoinCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinCode
}

// CodeExpired reports whether the join code's TTL has elapsed. The
// session itself never expires — only the code does.
func (s *Session) CodeExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.codeExpiresAt)
}

// CreatorID returns the principal that created the session.
func (s *Session) CreatorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creatorID
}

// DJUserID returns the current playback authority.
func (s *Session) DJUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.djUserID
}

// MemberCount returns the number of currently connected members.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Snapshot returns a point-in-time copy of public session state, safe
// to serve over HTTP without holding the session's lock.
func (s *Session) Snapshot() protocol.StateSyncData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() protocol.StateSyncData {
	members := make([]protocol.MemberInfo, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, protocol.MemberInfo{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			JoinedAt:    m.JoinedAt.UnixMilli(),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	queue := make([]protocol.QueueEntry, len(s.queue))
	copy(queue, s.queue)

	return protocol.StateSyncData{
		Members:           members,
		CurrentTrack:      s.currentTrack,
		IsPlaying:         s.isPlaying,
		PositionMs:        s.currentPositionLocked(),
		PositionTimestamp: s.positionTimestamp,
		Queue:             queue,
		DJUserID:          s.djUserID,
		Epoch:             s.epoch,
		Sequence:          s.sequence,
	}
}

// currentPositionLocked computes the anchored position: positionMs plus
// elapsed wall-clock time since positionTimestamp, if playing.
func (s *Session) currentPositionLocked() int64 {
	if !s.isPlaying || s.positionTimestamp == 0 {
		return s.positionMs
	}
	elapsed := time.Now().UnixMilli() - s.positionTimestamp
	if elapsed < 0 {
		elapsed = 0
	}
	return s.positionMs + elapsed
}

// bumpEpochLocked advances the epoch and resets the sequence counter.
// Called on playPrepare, on a track advance (skip or the advancement
// timer), and on DJ transfer; every other broadcast advances only the
// sequence.
func (s *Session) bumpEpochLocked() {
	s.epoch++
	s.sequence = 0
}

// nextSeqLocked returns the next strictly-increasing sequence number
// within the current epoch.
func (s *Session) nextSeqLocked() uint64 {
	s.sequence++
	return s.sequence
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

// broadcastLocked stamps and delivers an envelope to every member
// except excludeUserID (empty string excludes no one). Delivery errors
// are logged, not escalated — a write failure is the transport layer's
// problem to notice via its own liveness sweep.
func (s *Session) broadcastLocked(msgType string, data any, excludeUserID string) {
	env := s.buildEnvelopeLocked(msgType, data)
	metrics.RecordBroadcast(msgType)
	for uid, m := range s.members {
		if uid == excludeUserID {
			continue
		}
		if err := m.Conn.Send(env); err != nil {
			s.log.Debug().Str("user_id", uid).Str("type", msgType).Err(err).Msg("broadcast send failed")
		}
	}
}

func (s *Session) unicastLocked(userID, msgType string, data any) {
	m, ok := s.members[userID]
	if !ok {
		return
	}
	env := s.buildEnvelopeLocked(msgType, data)
	if err := m.Conn.Send(env); err != nil {
		s.log.Debug().Str("user_id", userID).Str("type", msgType).Err(err).Msg("unicast send failed")
	}
}

func (s *Session) buildEnvelopeLocked(msgType string, data any) protocol.Envelope {
	raw, err := marshalData(data)
	if err != nil {
		s.log.Warn().Str("type", msgType).Err(err).Msg("marshal outbound data failed")
	}
	return protocol.Envelope{
		Type:      msgType,
		Data:      raw,
		Epoch:     s.epoch,
		Seq:       s.nextSeqLocked(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Connect admits userID to the session over conn, replacing any prior
// connection for the same user. It does not change playback authority or
// bump the epoch — joining is not a regime change. The joiner receives a
// private stateSync bootstrap; everyone else receives memberJoined.
func (s *Session) Connect(userID, displayName string, conn Conn) error {
	s.mu.Lock()

	if existing, ok := s.members[userID]; ok && existing.Conn != nil {
		existing.Conn.Close(4000, "replaced by new connection")
	} else if len(s.members) >= MaxMembers {
		s.mu.Unlock()
		return apperr.New(apperr.Conflict, "session is full")
	}

	s.cancelDestroyTimerLocked()

	_, rejoined := s.members[userID]
	s.members[userID] = &Member{
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    time.Now(),
		Conn:        conn,
	}
	s.touchLocked()

	s.unicastLocked(userID, protocol.TypeStateSync, s.snapshotLocked())
	if !rejoined {
		s.broadcastLocked(protocol.TypeMemberJoined, protocol.MemberJoinedData{UserID: userID, DisplayName: displayName}, userID)
	}
	s.mu.Unlock()
	return nil
}

// Disconnect removes userID's connection, promotes a new DJ if needed,
// and either destroys the session immediately or on a grace timer.
func (s *Session) Disconnect(userID string) {
	s.mu.Lock()
	if _, ok := s.members[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.members, userID)
	s.touchLocked()

	wasDJ := s.djUserID == userID
	promoted := wasDJ && len(s.members) > 0
	if promoted {
		s.promoteNewDJLocked()
	}

	s.broadcastLocked(protocol.TypeMemberLeft, protocol.MemberLeftData{UserID: userID}, "")
	if promoted {
		s.broadcastLocked(protocol.TypeStateSync, s.snapshotLocked(), "")
	}

	empty := len(s.members) == 0
	s.mu.Unlock()

	if empty {
		s.handleEmptied()
	}
}

// promoteNewDJLocked assigns playback authority to the creator if still
// present, else to the earliest-joined remaining member, and bumps the
// epoch so all observers converge on the new authority.
func (s *Session) promoteNewDJLocked() {
	if _, ok := s.members[s.creatorID]; ok {
		s.djUserID = s.creatorID
	} else {
		var earliest *Member
		for _, m := range s.members {
			if earliest == nil || m.JoinedAt.Before(earliest.JoinedAt) {
				earliest = m
			}
		}
		if earliest != nil {
			s.djUserID = earliest.UserID
		}
	}
	s.bumpEpochLocked()
}

// handleEmptied decides whether an emptied session self-destructs
// now or after a grace period, per whether it still holds state worth
// preserving for a rejoin.
func (s *Session) handleEmptied() {
	s.mu.Lock()
	if len(s.members) != 0 || s.destroyed {
		s.mu.Unlock()
		return
	}
	worthKeeping := s.isPlaying || len(s.queue) > 0
	if !worthKeeping {
		s.mu.Unlock()
		s.destroy("empty", 4004)
		return
	}
	id := s.id
	lookup := s.lookup
	s.destroyTimer = time.AfterFunc(EmptyGracePeriod, func() {
		sess := lookup(id)
		if sess == nil {
			return
		}
		sess.graceExpired()
	})
	s.mu.Unlock()
}

func (s *Session) graceExpired() {
	s.mu.Lock()
	if len(s.members) != 0 || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.destroy("grace-expired", 4004)
}

// cancelDestroyTimerLocked stops a pending grace-period destruction,
// used when a member rejoins before the grace period elapses.
func (s *Session) cancelDestroyTimerLocked() {
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
		s.destroyTimer = nil
	}
}

// IsIdle reports whether the session has exceeded IdleTimeout since its
// last control-plane activity. Called by the registry's sweeper.
func (s *Session) IsIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > IdleTimeout
}

// Destroy tears the session down: cancels timers, closes every member
// connection, and invokes onDestroy exactly once. Safe to call more
// than once.
func (s *Session) Destroy(reason string, closeCode int) {
	s.destroy(reason, closeCode)
}

func (s *Session) destroy(reason string, closeCode int) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.advancementTimer != nil {
		s.advancementTimer.Stop()
		s.advancementTimer = nil
	}
	s.cancelDestroyTimerLocked()
	members := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	id := s.id
	onDestroy := s.onDestroy
	s.mu.Unlock()

	for _, m := range members {
		m.Conn.Close(closeCode, reason)
	}
	s.log.Info().Str("reason", reason).Msg("session destroyed")
	metrics.RecordSessionDestroyed(reason)
	if onDestroy != nil {
		onDestroy(id, reason)
	}
}
