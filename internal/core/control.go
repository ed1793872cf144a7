package core

import (
	"encoding/json"
	"time"

	"groupjam/server/internal/apperr"
	"groupjam/server/internal/metrics"
	"groupjam/server/internal/protocol"
)

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func errNotAuthority() error {
	return apperr.New(apperr.PermissionDenied, "only the current DJ may perform this action")
}

func errNotMember() error {
	return apperr.New(apperr.PermissionDenied, "not a member of this session")
}

func errInvalid(msg string) error {
	return apperr.New(apperr.InvalidInput, msg)
}

func (s *Session) requireMemberLocked(userID string) error {
	if _, ok := s.members[userID]; !ok {
		return errNotMember()
	}
	return nil
}

func (s *Session) requireDJLocked(userID string) error {
	if err := s.requireMemberLocked(userID); err != nil {
		return err
	}
	if s.djUserID != userID {
		return errNotAuthority()
	}
	return nil
}

// PlayPrepare pre-announces the next track without committing a
// position or starting playback. It bumps the epoch — observers should
// not infer the prior track is still authoritative once a prepare has
// been broadcast, even though nothing is actually playing yet.
func (s *Session) PlayPrepare(userID string, data protocol.PlayPrepareData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}

	s.cancelAdvancementLocked()
	track := data.Track
	s.currentTrack = &track
	s.isPlaying = false
	s.positionMs = 0
	s.positionTimestamp = 0
	s.touchLocked()
	s.bumpEpochLocked()
	s.broadcastLocked(protocol.TypePlayPrepare, protocol.PlayPrepareData{Track: track}, "")
	return nil
}

// PlayCommit starts playback of the prepared (or a newly specified)
// track at the given position, anchored to the supplied NTP-style
// timestamp, and schedules the advancement timer if duration permits.
// Only the sequence advances here — playCommit follows the prepare
// that already bumped the epoch for this track change.
func (s *Session) PlayCommit(userID string, data protocol.PlayCommitData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}
	if s.currentTrack == nil || s.currentTrack.TrackID != data.TrackID {
		return errInvalid("playCommit trackId does not match a prepared track")
	}

	s.isPlaying = true
	s.positionMs = data.PositionMs
	s.positionTimestamp = data.NtpTimestamp
	s.touchLocked()
	s.scheduleAdvancementLocked()
	s.broadcastLocked(protocol.TypePlayCommit, protocol.PlayCommitData{
		TrackID:      data.TrackID,
		PositionMs:   data.PositionMs,
		NtpTimestamp: data.NtpTimestamp,
	}, "")
	return nil
}

// Pause freezes playback, snapshotting the anchor at the current
// computed position rather than trusting a client-supplied one.
// Sequence only.
func (s *Session) Pause(userID string, data protocol.PauseData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}
	if !s.isPlaying {
		return errInvalid("session is not playing")
	}

	s.cancelAdvancementLocked()
	s.positionMs = s.currentPositionLocked()
	s.positionTimestamp = time.Now().UnixMilli()
	s.isPlaying = false
	s.touchLocked()
	s.broadcastLocked(protocol.TypePause, protocol.PauseData{
		PositionMs:        s.positionMs,
		PositionTimestamp: s.positionTimestamp,
	}, "")
	return nil
}

// Resume restarts playback from the position pause left behind; only
// the timestamp moves, so elapsed time restarts from the paused
// positionMs. Sequence only. ExecutionTime is an opaque client hint
// the server never interprets, just relays.
func (s *Session) Resume(userID string, data protocol.ResumeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}
	if s.isPlaying {
		return errInvalid("session is already playing")
	}

	s.isPlaying = true
	s.positionTimestamp = time.Now().UnixMilli()
	s.touchLocked()
	s.scheduleAdvancementLocked()
	s.broadcastLocked(protocol.TypeResume, protocol.ResumeData{
		PositionMs:        s.positionMs,
		PositionTimestamp: s.positionTimestamp,
		ExecutionTime:     data.ExecutionTime,
	}, "")
	return nil
}

// Seek relocates playback within the current track without changing
// play/pause state, re-anchoring the position and, if playing,
// rescheduling the advancement timer against the new remaining time.
// Sequence only.
func (s *Session) Seek(userID string, data protocol.SeekData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}

	s.positionMs = data.PositionMs
	if s.isPlaying {
		s.positionTimestamp = time.Now().UnixMilli()
		s.cancelAdvancementLocked()
		s.scheduleAdvancementLocked()
	}
	s.touchLocked()
	s.broadcastLocked(protocol.TypeSeek, protocol.SeekData{PositionMs: s.positionMs}, "")
	return nil
}

// Skip advances to the next queued track immediately, the same
// transition the advancement timer performs on its own when a track
// runs out, broadcast as a full stateSync with a bumped epoch.
func (s *Session) Skip(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}
	s.advanceLocked()
	return nil
}

// advanceLocked performs the auto-advance transition: pop the next
// queued track (if any) and start it from position zero, bumping the
// epoch since authority over a new track is a regime change. If the
// queue is empty, playback stops but currentTrack is kept as
// last-played context and the epoch does not move — only the
// sequence does.
func (s *Session) advanceLocked() {
	s.cancelAdvancementLocked()
	if len(s.queue) == 0 {
		pos := s.currentPositionLocked()
		s.isPlaying = false
		s.positionMs = pos
		s.positionTimestamp = 0
		s.touchLocked()
		s.broadcastLocked(protocol.TypeStateSync, s.snapshotLocked(), "")
		return
	}

	next := s.queue[0]
	s.queue = s.queue[1:]
	track := next.Track
	s.currentTrack = &track
	s.isPlaying = true
	s.positionMs = 0
	s.positionTimestamp = time.Now().UnixMilli()
	s.scheduleAdvancementLocked()
	s.touchLocked()
	s.bumpEpochLocked()
	s.broadcastLocked(protocol.TypeStateSync, s.snapshotLocked(), "")
}

// advance is the advancement-timer fire handler. Per the exactly-once
// timer idiom, the timer closure re-resolves the session by ID instead
// of acting on a captured pointer directly, so a destroyed session's
// in-flight timer is a silent no-op.
func (s *Session) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	metrics.AdvancementFiresTotal.Inc()
	s.advanceLocked()
}

// scheduleAdvancementLocked arms a timer for the current track's
// remaining duration, computed from the anchor rather than positionMs
// alone. Tracks with no known duration are never auto-advanced — the
// missing-duration guard is mandatory; a NaN/zero delay here would
// drain the queue instantaneously. The DJ must skip such tracks
// manually.
func (s *Session) scheduleAdvancementLocked() {
	s.cancelAdvancementLocked()
	if !s.isPlaying || s.currentTrack == nil || s.currentTrack.DurationMs <= 0 {
		return
	}
	remaining := time.Duration(s.currentTrack.DurationMs-s.currentPositionLocked()) * time.Millisecond
	if remaining <= 0 {
		s.advanceLocked()
		return
	}
	id := s.id
	lookup := s.lookup
	s.advancementTimer = time.AfterFunc(remaining, func() {
		sess := lookup(id)
		if sess == nil {
			return
		}
		sess.advance()
	})
}

func (s *Session) cancelAdvancementLocked() {
	if s.advancementTimer != nil {
		s.advancementTimer.Stop()
		s.advancementTimer = nil
	}
}

// AddToQueue appends a track to the queue. Any member may queue, not
// only the DJ. The nonce lets a retried/duplicated add be ignored
// rather than double-queued.
func (s *Session) AddToQueue(userID string, data protocol.AddToQueueData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMemberLocked(userID); err != nil {
		return err
	}
	for _, e := range s.queue {
		if e.Nonce != "" && e.Nonce == data.Nonce {
			return nil
		}
	}

	s.queue = append(s.queue, protocol.QueueEntry{
		Track:         data.Track,
		Nonce:         data.Nonce,
		AddedByUserID: userID,
	})
	s.touchLocked()
	s.broadcastLocked(protocol.TypeQueueUpdate, protocol.QueueUpdateData{Queue: append([]protocol.QueueEntry{}, s.queue...)}, "")
	return nil
}

// RemoveFromQueue removes every queue entry matching trackID, since
// AddToQueue dedups by nonce rather than track ID and the same track
// can legitimately be queued more than once. A trackID with no match
// is a silent no-op, consistent with the wire policy of dropping
// malformed/missing trackIds rather than erroring.
// DJ-only: unlike AddToQueue, removal requires playback authority.
func (s *Session) RemoveFromQueue(userID string, data protocol.RemoveFromQueueData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireDJLocked(userID); err != nil {
		return err
	}

	kept := s.queue[:0]
	removed := false
	for _, e := range s.queue {
		if e.TrackID == data.TrackID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.queue = kept
	if !removed {
		return nil
	}

	s.touchLocked()
	s.broadcastLocked(protocol.TypeQueueUpdate, protocol.QueueUpdateData{Queue: append([]protocol.QueueEntry{}, s.queue...)}, "")
	return nil
}

// DriftReport relays a member's self-measured position to the DJ's
// connection only. It never mutates session state or broadcasts; the
// DJ client decides whether and how to correct.
func (s *Session) DriftReport(userID string, data protocol.DriftReportData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMemberLocked(userID); err != nil {
		return err
	}
	expected := s.currentPositionLocked()
	drift := data.PositionMs - expected
	s.log.Debug().Str("user_id", userID).Int64("drift_ms", drift).Msg("drift report")

	if userID == s.djUserID {
		return nil
	}
	s.unicastLocked(s.djUserID, protocol.TypeDriftReport, protocol.DriftReportData{
		UserID:       userID,
		PositionMs:   data.PositionMs,
		NtpTimestamp: data.NtpTimestamp,
	})
	return nil
}

// Ping answers an application-level liveness probe with the current
// server time, independent of the WebSocket control-frame ping/pong.
func (s *Session) Ping(userID string, data protocol.PingData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMemberLocked(userID); err != nil {
		return err
	}
	s.unicastLocked(userID, protocol.TypePong, protocol.PongData{
		ClientSendTime: data.ClientSendTime,
		ServerTime:     time.Now().UnixMilli(),
	})
	return nil
}
