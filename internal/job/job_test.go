package job

import (
	"strings"
	"testing"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(KindText, "tenant-1", []byte("summarize this"))
	b := Fingerprint(KindText, "tenant-1", []byte("summarize this"))
	if a != b {
		t.Fatalf("same input produced different fingerprints: %s vs %s", a, b)
	}
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Fingerprint(KindText, "tenant-1", []byte("  summarize this \n"))
	b := Fingerprint(KindText, "tenant-1", []byte("summarize this"))
	if a != b {
		t.Fatalf("surrounding whitespace changed the fingerprint")
	}
}

func TestFingerprintSeparatesTenantsAndKinds(t *testing.T) {
	base := Fingerprint(KindText, "tenant-1", []byte("prompt"))
	if Fingerprint(KindText, "tenant-2", []byte("prompt")) == base {
		t.Fatalf("different requesters shared a fingerprint")
	}
	if Fingerprint(KindImage, "tenant-1", []byte("prompt")) == base {
		t.Fatalf("different kinds shared a fingerprint")
	}
}

func TestNewIDDistinctPerCall(t *testing.T) {
	fp := Fingerprint(KindText, "tenant-1", []byte("prompt"))
	first, second := NewID(fp), NewID(fp)
	if first == second {
		t.Fatalf("resubmission minted the same job ID: %s", first)
	}
	if !strings.HasPrefix(first, fp[:12]+"-") {
		t.Fatalf("job ID %s missing fingerprint prefix %s", first, fp[:12])
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateDispatched, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateSucceeded, false},
		{StateDispatched, StateSucceeded, true},
		{StateDispatched, StateFailed, true},
		{StateDispatched, StatePending, true}, // retry requeue
		{StateDispatched, StateCancelled, true},
		{StateSucceeded, StatePending, false},
		{StateFailed, StateDispatched, false},
		{StateCancelled, StatePending, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateDispatched} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"text", "image", "model"} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseKind("audio"); err == nil {
		t.Errorf("ParseKind accepted unknown kind")
	}
}

func TestNewJobStartsPending(t *testing.T) {
	j := New(KindText, "tenant-1", []byte("prompt"), "together")
	if j.State != StatePending {
		t.Fatalf("new job state = %s, want pending", j.State)
	}
	if j.Fingerprint != Fingerprint(KindText, "tenant-1", []byte("prompt")) {
		t.Fatalf("job fingerprint does not match its inputs")
	}
	if j.AttemptCount != 0 {
		t.Fatalf("new job attempt count = %d, want 0", j.AttemptCount)
	}
}
