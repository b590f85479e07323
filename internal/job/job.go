package job

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind declares which class of inference a job requests.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindModel Kind = "model" // self-hosted model runner
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindText, KindImage, KindModel:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// State is the job lifecycle state. Transitions are monotonic: a terminal
// state is never left, and resubmission always mints a new job ID.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StatePending:    {StateDispatched, StateCancelled},
	StateDispatched: {StatePending, StateSucceeded, StateFailed, StateCancelled},
}

// ValidTransition reports whether from -> to is allowed by the lifecycle.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID           string    `json:"job_id"`
	Fingerprint  string    `json:"fingerprint"`
	Kind         Kind      `json:"kind"`
	Payload      []byte    `json:"payload"`
	Requester    string    `json:"requester"`
	Provider     string    `json:"provider,omitempty"` // preferred provider, optional
	State        State     `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	NotBefore    time.Time `json:"not_before"` // retry eligibility; zero means eligible now
	LastError    string    `json:"last_error,omitempty"`
	Result       []byte    `json:"result,omitempty"` // present only when succeeded
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Attempt is one execution try against one provider. Attempts are
// append-only children of their job and are never shared.
type Attempt struct {
	ID        string    `json:"attempt_id"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"` // success | transient | permanent | cancelled
	Error     string    `json:"error,omitempty"`
}

// Fingerprint hashes the normalized request so logically identical
// submissions map to the same value. The requester is part of the hash:
// two tenants submitting the same payload never share a result.
func Fingerprint(kind Kind, requester string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{'\n'})
	h.Write([]byte(requester))
	h.Write([]byte{'\n'})
	h.Write(bytes.TrimSpace(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// NewID mints a job ID for a fingerprint. The fingerprint prefix keeps IDs
// greppable against their dedup key; the uuid suffix keeps resubmissions
// after a failure distinct.
func NewID(fingerprint string) string {
	return fingerprint[:12] + "-" + uuid.New().String()[:8]
}

// New builds a pending job ready for enqueue.
func New(kind Kind, requester string, payload []byte, preferred string) *Job {
	fp := Fingerprint(kind, requester, payload)
	now := time.Now().UTC()
	return &Job{
		ID:          NewID(fp),
		Fingerprint: fp,
		Kind:        kind,
		Payload:     payload,
		Requester:   requester,
		Provider:    preferred,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
