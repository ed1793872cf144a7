package core

import (
	"testing"
	"time"

	"groupjam/server/internal/apperr"
	"groupjam/server/internal/protocol"
)

func trackWithDuration(id string, ms int64) protocol.Track {
	return protocol.Track{TrackID: id, DurationMs: ms}
}

func TestMissingDurationGuardNeverSchedulesAdvancement(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})

	if err := s.PlayPrepare("creator", protocol.PlayPrepareData{Track: protocol.Track{TrackID: "T1", DurationMs: 0}}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.PlayCommit("creator", protocol.PlayCommitData{TrackID: "T1", PositionMs: 0, NtpTimestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s.mu.Lock()
	timerSet := s.advancementTimer != nil
	s.mu.Unlock()
	if timerSet {
		t.Fatal("expected no advancement timer scheduled for a zero-duration track")
	}

	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T2", 5000), Nonce: "n1"}); err != nil {
		t.Fatalf("add to queue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	snap := s.Snapshot()
	if len(snap.Queue) != 1 || snap.CurrentTrack.TrackID != "T1" {
		t.Fatal("expected queue untouched without a duration to drive advancement")
	}
}

func TestAutonomousAdvancementDrainsQueueAndBumpsEpoch(t *testing.T) {
	s := newTestSession(t)
	conn := &fakeConn{}
	_ = s.Connect("creator", "Creator", conn)

	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T2", 3000), Nonce: "n2"}); err != nil {
		t.Fatalf("add to queue: %v", err)
	}

	epochBefore := s.Snapshot().Epoch

	if err := s.PlayPrepare("creator", protocol.PlayPrepareData{Track: trackWithDuration("T1", 80)}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.PlayCommit("creator", protocol.PlayCommitData{TrackID: "T1", PositionMs: 0, NtpTimestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if snap.CurrentTrack != nil && snap.CurrentTrack.TrackID == "T2" {
			if snap.Epoch <= epochBefore {
				t.Fatalf("expected epoch to advance past %d, got %d", epochBefore, snap.Epoch)
			}
			if len(snap.Queue) != 0 {
				t.Fatalf("expected queue drained, got %d entries", len(snap.Queue))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for autonomous advancement to T2")
}

func TestAdvancementOnEmptyQueueStopsWithoutDestroying(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})

	if err := s.PlayPrepare("creator", protocol.PlayPrepareData{Track: trackWithDuration("T1", 60)}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.PlayCommit("creator", protocol.PlayCommitData{TrackID: "T1", PositionMs: 0, NtpTimestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if !snap.IsPlaying {
			if snap.CurrentTrack == nil || snap.CurrentTrack.TrackID != "T1" {
				t.Fatal("expected last-played track retained as idle-station context")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the station to go idle")
}

func TestPauseThenResumePreservesAnchoredPosition(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})

	if err := s.PlayPrepare("creator", protocol.PlayPrepareData{Track: trackWithDuration("T1", 60000)}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.PlayCommit("creator", protocol.PlayCommitData{TrackID: "T1", PositionMs: 0, NtpTimestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := s.Pause("creator", protocol.PauseData{}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused := s.Snapshot().PositionMs

	if err := s.Resume("creator", protocol.ResumeData{}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed := s.Snapshot().PositionMs

	diff := resumed - paused
	if diff < 0 || diff > 20 {
		t.Fatalf("expected position to survive pause/resume within scheduler jitter, paused=%d resumed=%d", paused, resumed)
	}
}

func TestAddToQueueNonceIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})

	data := protocol.AddToQueueData{Track: trackWithDuration("T1", 1000), Nonce: "dup"}
	if err := s.AddToQueue("creator", data); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddToQueue("creator", data); err != nil {
		t.Fatalf("retransmitted add: %v", err)
	}
	if err := s.AddToQueue("creator", data); err != nil {
		t.Fatalf("second retransmission: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Queue) != 1 {
		t.Fatalf("expected exactly one queue entry for a repeated nonce, got %d", len(snap.Queue))
	}
}

func TestRemoveFromQueueRequiresDJAuthority(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})
	_ = s.Connect("bob", "Bob", &fakeConn{})

	if err := s.AddToQueue("bob", protocol.AddToQueueData{Track: trackWithDuration("T1", 1000), Nonce: "n1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := s.RemoveFromQueue("bob", protocol.RemoveFromQueueData{TrackID: "T1"})
	if err == nil {
		t.Fatal("expected non-DJ removal to be rejected")
	}
	if e, ok := apperr.As(err); !ok || e.Kind != apperr.PermissionDenied {
		t.Fatalf("expected PermissionDenied kind, got %v", err)
	}

	if err := s.RemoveFromQueue("creator", protocol.RemoveFromQueueData{TrackID: "T1"}); err != nil {
		t.Fatalf("DJ removal: %v", err)
	}
	if len(s.Snapshot().Queue) != 0 {
		t.Fatal("expected queue emptied by DJ removal")
	}
}

func TestRemoveFromQueueClearsAllMatchingEntriesAndIgnoresMisses(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})

	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T1", 1000), Nonce: "n1"}); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T2", 1000), Nonce: "n2"}); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	// AddToQueue dedups by nonce, not track ID, so the same track can
	// legitimately appear twice.
	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T1", 1000), Nonce: "n3"}); err != nil {
		t.Fatalf("add 3: %v", err)
	}

	if err := s.RemoveFromQueue("creator", protocol.RemoveFromQueueData{TrackID: "does-not-exist"}); err != nil {
		t.Fatalf("expected a miss to be a silent no-op, got %v", err)
	}
	if len(s.Snapshot().Queue) != 3 {
		t.Fatalf("expected no-op removal to leave queue untouched, got %d entries", len(s.Snapshot().Queue))
	}

	if err := s.RemoveFromQueue("creator", protocol.RemoveFromQueueData{TrackID: "T1"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	queue := s.Snapshot().Queue
	if len(queue) != 1 {
		t.Fatalf("expected both T1 entries removed, leaving 1, got %d", len(queue))
	}
	if queue[0].TrackID != "T2" {
		t.Fatalf("expected remaining entry to be T2, got %q", queue[0].TrackID)
	}
}

func TestNonDJControlOperationIsRejected(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})
	_ = s.Connect("bob", "Bob", &fakeConn{})

	err := s.PlayPrepare("bob", protocol.PlayPrepareData{Track: trackWithDuration("T1", 1000)})
	if err == nil {
		t.Fatal("expected authority violation")
	}
	if e, ok := apperr.As(err); !ok || e.Kind != apperr.PermissionDenied {
		t.Fatalf("expected PermissionDenied kind, got %v", err)
	}
}

func TestDriftReportUnicastsToDJOnly(t *testing.T) {
	s := newTestSession(t)
	djConn := &fakeConn{}
	bobConn := &fakeConn{}
	_ = s.Connect("creator", "Creator", djConn)
	_ = s.Connect("bob", "Bob", bobConn)

	if err := s.DriftReport("bob", protocol.DriftReportData{PositionMs: 1234, NtpTimestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("drift report: %v", err)
	}

	env, ok := djConn.last()
	if !ok || env.Type != protocol.TypeDriftReport {
		t.Fatal("expected DJ connection to receive the drift report")
	}

	for _, e := range bobConn.envelopes() {
		if e.Type == protocol.TypeDriftReport {
			t.Fatal("expected the reporting member to never receive their own drift report back")
		}
	}
}

func TestPingRespondsPrivatelyWithPong(t *testing.T) {
	s := newTestSession(t)
	bobConn := &fakeConn{}
	_ = s.Connect("bob", "Bob", bobConn)

	if err := s.Ping("bob", protocol.PingData{ClientSendTime: 42}); err != nil {
		t.Fatalf("ping: %v", err)
	}

	env, ok := bobConn.last()
	if !ok || env.Type != protocol.TypePong {
		t.Fatal("expected a pong reply")
	}
}

func TestSkipBehavesLikeAutonomousAdvancement(t *testing.T) {
	s := newTestSession(t)
	_ = s.Connect("creator", "Creator", &fakeConn{})

	if err := s.PlayPrepare("creator", protocol.PlayPrepareData{Track: trackWithDuration("T1", 60000)}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.PlayCommit("creator", protocol.PlayCommitData{TrackID: "T1", PositionMs: 0, NtpTimestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T2", 60000), Nonce: "n1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	epochBefore := s.Snapshot().Epoch
	if err := s.Skip("creator"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	snap := s.Snapshot()
	if snap.CurrentTrack == nil || snap.CurrentTrack.TrackID != "T2" {
		t.Fatalf("expected skip to advance to T2, got %+v", snap.CurrentTrack)
	}
	if snap.Epoch <= epochBefore {
		t.Fatalf("expected epoch bump on skip, before=%d after=%d", epochBefore, snap.Epoch)
	}
	if snap.Sequence != 1 {
		t.Fatalf("expected sequence reset to 1 (first broadcast of new epoch), got %d", snap.Sequence)
	}
}

func TestSequenceStrictlyIncreasesWithinAnEpoch(t *testing.T) {
	s := newTestSession(t)
	conn := &fakeConn{}
	_ = s.Connect("creator", "Creator", conn)

	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T1", 1000), Nonce: "n1"}); err != nil {
		t.Fatalf("add1: %v", err)
	}
	if err := s.AddToQueue("creator", protocol.AddToQueueData{Track: trackWithDuration("T2", 1000), Nonce: "n2"}); err != nil {
		t.Fatalf("add2: %v", err)
	}

	var last uint64
	for _, env := range conn.envelopes() {
		if env.Seq <= last {
			t.Fatalf("expected strictly increasing sequence, got %d after %d", env.Seq, last)
		}
		last = env.Seq
	}
}
