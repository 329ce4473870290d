package session

import (
	"testing"
	"time"
)

func TestTransitionTo_HappyPath(t *testing.T) {
	s := New("user-1", "talk.mp4", "video/mp4", 100, "", time.Hour)
	if s.Status != StatusCreated {
		t.Fatalf("expected CREATED, got %s", s.Status)
	}

	for _, next := range []Status{StatusUploading, StatusUploaded, StatusValidating, StatusReady} {
		if err := s.TransitionTo(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if s.UploadedAt.IsZero() {
		t.Error("expected UploadedAt to be set")
	}
	if s.ValidatedAt.IsZero() {
		t.Error("expected ValidatedAt to be set")
	}
}

func TestTransitionTo_CannotSkipStates(t *testing.T) {
	s := New("user-1", "talk.mp4", "video/mp4", 100, "", time.Hour)

	if err := s.TransitionTo(StatusUploaded); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition for CREATED->UPLOADED, got %v", err)
	}
	if err := s.TransitionTo(StatusReady); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition for CREATED->READY, got %v", err)
	}
}

func TestTransitionTo_TerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []Status{StatusAborted, StatusExpired, StatusFailed} {
		s := New("user-1", "a.wav", "audio/wav", 1, "", time.Hour)
		s.Status = terminal
		if err := s.TransitionTo(StatusUploading); err != ErrInvalidTransition {
			t.Errorf("expected %s to be terminal, got %v", terminal, err)
		}
	}
}

func TestTransitionTo_AbortSetsDeletedAt(t *testing.T) {
	s := New("user-1", "a.wav", "audio/wav", 1, "", time.Hour)
	if err := s.TransitionTo(StatusAborted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.DeletedAt.IsZero() {
		t.Error("expected DeletedAt to be set")
	}
}

func TestExpired(t *testing.T) {
	s := New("user-1", "a.wav", "audio/wav", 1, "", time.Hour)
	now := time.Now().UTC()

	if s.Expired(now) {
		t.Error("fresh session should not be expired")
	}
	if !s.Expired(now.Add(2 * time.Hour)) {
		t.Error("session past its TTL should be expired")
	}

	// Finalized sessions never expire.
	s.Status = StatusUploaded
	if s.Expired(now.Add(2 * time.Hour)) {
		t.Error("finalized session should not expire")
	}
}

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		pending   bool
		finalized bool
		terminal  bool
	}{
		{StatusCreated, true, false, false},
		{StatusUploading, true, false, false},
		{StatusUploaded, false, true, false},
		{StatusValidating, false, true, false},
		{StatusReady, false, true, true},
		{StatusInvalid, false, true, true},
		{StatusAborted, false, false, true},
		{StatusExpired, false, false, true},
		{StatusFailed, false, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsPending(); got != tt.pending {
				t.Errorf("IsPending() = %v, want %v", got, tt.pending)
			}
			if got := tt.status.IsFinalized(); got != tt.finalized {
				t.Errorf("IsFinalized() = %v, want %v", got, tt.finalized)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestClone_Isolated(t *testing.T) {
	s := New("user-1", "a.wav", "audio/wav", 1, "", time.Hour)
	c := s.Clone()
	c.Status = StatusAborted
	if s.Status != StatusCreated {
		t.Error("modifying the clone should not affect the original")
	}
}
