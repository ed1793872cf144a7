package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groupjam/server/internal/apperr"
)

func newTestRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestRegisterOrUpdateUserAssignsStableFrequency(t *testing.T) {
	r := newTestRegistry()

	u1 := r.RegisterOrUpdateUser("alice", "Alice")
	u2 := r.RegisterOrUpdateUser("alice", "Alice R.")

	if u1.Frequency != u2.Frequency {
		t.Fatalf("expected stable frequency across calls, got %v then %v", u1.Frequency, u2.Frequency)
	}
	if u2.DisplayName != "Alice R." {
		t.Fatalf("expected display name update, got %q", u2.DisplayName)
	}
}

func TestRegisterOrUpdateUserAssignsDistinctFrequencies(t *testing.T) {
	r := newTestRegistry()
	a := r.RegisterOrUpdateUser("a", "A")
	b := r.RegisterOrUpdateUser("b", "B")
	if a.Frequency == b.Frequency {
		t.Fatalf("expected distinct frequencies, both got %v", a.Frequency)
	}
}

func TestCreateSessionDefaultsDJToCreator(t *testing.T) {
	r := newTestRegistry()
	s := r.CreateSession("creator-1")

	if s.CreatorID() != "creator-1" {
		t.Fatalf("expected creator-1, got %s", s.CreatorID())
	}
	if s.DJUserID() != "creator-1" {
		t.Fatalf("expected DJ to default to creator, got %s", s.DJUserID())
	}
	if len(s.JoinCode()) != 4 {
		t.Fatalf("expected a 4-digit join code, got %q", s.JoinCode())
	}
}

func TestJoinByCodeAndByID(t *testing.T) {
	r := newTestRegistry()
	s := r.CreateSession("creator-1")

	byCode, err := r.JoinByCode(s.JoinCode())
	if err != nil {
		t.Fatalf("join by code: %v", err)
	}
	if byCode.ID() != s.ID() {
		t.Fatalf("expected same session by code, got different ID")
	}

	byID, err := r.JoinByID(s.ID())
	if err != nil {
		t.Fatalf("join by id: %v", err)
	}
	if byID.ID() != s.ID() {
		t.Fatalf("expected same session by id")
	}

	if _, err := r.JoinByCode("0000"); err == nil {
		t.Fatal("expected not-found for unknown code")
	} else if e, ok := apperr.As(err); !ok || e.Kind != apperr.NotFound {
		t.Fatalf("expected NotFound kind, got %v", err)
	}

	if _, err := r.JoinByID("does-not-exist"); err == nil {
		t.Fatal("expected not-found for unknown session id")
	}
}

func TestSessionDestroyedRemovesBothIndices(t *testing.T) {
	r := newTestRegistry()
	s := r.CreateSession("creator-1")
	code := s.JoinCode()

	s.Destroy("test", 4004)

	if _, err := r.JoinByCode(code); err == nil {
		t.Fatal("expected join code removed on destroy")
	}
	if _, ok := r.GetByID(s.ID()); ok {
		t.Fatal("expected session id removed on destroy")
	}
	if r.Count() != 0 {
		t.Fatalf("expected 0 active sessions, got %d", r.Count())
	}
}

func TestSweepIdleKeepsFreshSessionAndIdleReportedAfterTimeout(t *testing.T) {
	r := newTestRegistry()
	s := r.CreateSession("creator-1")

	// A freshly created session is never idle.
	r.SweepIdle()
	if _, ok := r.GetByID(s.ID()); !ok {
		t.Fatal("fresh session should survive a sweep")
	}

	if s.IsIdle(time.Now().Add(31 * time.Minute)) != true {
		t.Fatal("expected session to report idle 31 minutes out")
	}
}

func TestStationsOnlyListsPlayingOrQueued(t *testing.T) {
	r := newTestRegistry()
	r.CreateSession("creator-1") // neither playing nor queued

	if len(r.Stations()) != 0 {
		t.Fatalf("expected no stations for an idle session, got %d", len(r.Stations()))
	}
}

func TestStationMarshalsWithLowerCamelCaseKeys(t *testing.T) {
	s := Station{
		UserID:      "u1",
		DisplayName: "Alice",
		Frequency:   88.1,
		SessionID:   "s1",
	}
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"userId", "displayName", "frequency", "sessionId"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected wire field %q in %s", key, raw)
		}
	}
	if _, ok := fields["currentTrack"]; ok {
		t.Fatalf("expected currentTrack to be omitted when nil, got %s", raw)
	}
}
