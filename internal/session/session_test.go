package session

import (
	"testing"
	"time"

	"github.com/mumble-gateway/gateway/internal/voicepacket"
)

func newTestSession() *Session {
	return &Session{
		dedup:  make(map[dedupKey]time.Time),
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
}

func TestDedupRejectsImmediateReplay(t *testing.T) {
	s := newTestSession()
	key := dedupKey{userID: 1, target: 0, sequence: 5}
	now := time.Now()
	if !s.dedupAllow(key, now) {
		t.Fatal("first delivery should be allowed")
	}
	if s.dedupAllow(key, now.Add(100*time.Millisecond)) {
		t.Fatal("replay within the dedup window should be rejected")
	}
}

func TestDedupAllowsAfterWindowExpires(t *testing.T) {
	s := newTestSession()
	key := dedupKey{userID: 1, target: 0, sequence: 5}
	now := time.Now()
	if !s.dedupAllow(key, now) {
		t.Fatal("first delivery should be allowed")
	}
	if !s.dedupAllow(key, now.Add(dedupWindow+time.Millisecond)) {
		t.Fatal("delivery after the dedup window should be allowed")
	}
}

func TestDedupEvictionOldFirst(t *testing.T) {
	s := newTestSession()
	now := time.Now()

	// Fill past the soft limit with entries old enough to be evicted.
	old := now.Add(-2 * dedupEvictAge)
	for i := 0; i < dedupSoftLimit+1; i++ {
		s.dedup[dedupKey{userID: 1, sequence: uint64(i)}] = old
	}
	// One fresh entry that must survive the old-first eviction pass.
	s.dedup[dedupKey{userID: 2, sequence: 0}] = now

	s.dedupAllow(dedupKey{userID: 3, sequence: 0}, now)

	if len(s.dedup) > 2 {
		t.Fatalf("expected stale entries evicted, got %d remaining", len(s.dedup))
	}
	if _, ok := s.dedup[dedupKey{userID: 2, sequence: 0}]; !ok {
		t.Error("fresh entry should have survived old-first eviction")
	}
}

func TestDedupHardClearWhenStillOversized(t *testing.T) {
	s := newTestSession()
	now := time.Now()
	// All entries fresh (won't be evicted by age) but over the hard limit.
	for i := 0; i < dedupHardLimit+1; i++ {
		s.dedup[dedupKey{userID: 1, sequence: uint64(i)}] = now
	}
	s.dedupAllow(dedupKey{userID: 9, sequence: 0}, now)
	if len(s.dedup) != 0 {
		t.Fatalf("expected a hard clear leaving the table empty, got %d", len(s.dedup))
	}
}

func TestNextSequenceStartsAtZeroAndIncrements(t *testing.T) {
	s := newTestSession()
	for i := 0; i < 10; i++ {
		if seq := s.nextSequence(); seq != uint64(i) {
			t.Fatalf("call %d returned sequence %d", i, seq)
		}
	}
}

func TestHandleDecodedVoiceEmitsAndDedups(t *testing.T) {
	s := newTestSession()
	opus := voicepacket.Opus{SessionID: 7, Target: 0, Sequence: 1, Payload: []byte{1, 2, 3}}

	s.handleDecodedVoice(opus)
	select {
	case ev := <-s.events:
		vf, ok := ev.(EventVoice)
		if !ok {
			t.Fatalf("got %T, want EventVoice", ev)
		}
		if vf.Frame.UserID != 7 || vf.Frame.Sequence != 1 {
			t.Fatalf("got %+v", vf.Frame)
		}
	default:
		t.Fatal("expected a voice event")
	}

	// Same (userId, target, sequence) delivered again within the window
	// must be dropped silently, not re-emitted.
	s.handleDecodedVoice(opus)
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected duplicate event %+v", ev)
	default:
	}
}

func TestHandleTunnelVoiceDecodesServerFramedOpus(t *testing.T) {
	s := newTestSession()
	raw, err := voicepacket.EncodeServerOpus(0, 3, 1, []byte{9, 9}, false)
	if err != nil {
		t.Fatal(err)
	}
	s.handleTunnelVoice(raw)
	select {
	case ev := <-s.events:
		vf, ok := ev.(EventVoice)
		if !ok {
			t.Fatalf("got %T, want EventVoice", ev)
		}
		if vf.Frame.UserID != 3 {
			t.Fatalf("got userID %d, want 3", vf.Frame.UserID)
		}
	default:
		t.Fatal("expected a voice event from the tunnel path")
	}
}
