// ABOUTME: Table of live tool call records keyed by call id
// ABOUTME: Enforces the status machine; records are dropped once resolved or errored

package packs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CallStatus is the lifecycle state of a tool call.
type CallStatus string

const (
	CallPending        CallStatus = "pending"
	CallWaitingForUser CallStatus = "waiting_for_user"
	CallResolved       CallStatus = "resolved"
	CallErrored        CallStatus = "errored"
)

// Terminal reports whether the status ends the record's life.
func (s CallStatus) Terminal() bool {
	return s == CallResolved || s == CallErrored
}

var (
	// ErrDuplicateCall is returned when a call id is already live.
	ErrDuplicateCall = errors.New("duplicate tool call id")

	// ErrUnknownCall is returned for a call id with no live record.
	ErrUnknownCall = errors.New("unknown tool call")

	// ErrInvalidTransition is returned for a status change the machine forbids.
	ErrInvalidTransition = errors.New("invalid tool call transition")
)

var transitions = map[CallStatus][]CallStatus{
	CallPending:        {CallWaitingForUser, CallResolved, CallErrored},
	CallWaitingForUser: {CallWaitingForUser, CallResolved, CallErrored},
}

// CallRecord is one live tool call.
type CallRecord struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	CallID    string
	TurnID    string
	Status    CallStatus
	Token     string
	CreatedAt time.Time
}

// CallTable holds live call records.
type CallTable struct {
	mu      sync.Mutex
	records map[string]*CallRecord
}

// NewCallTable creates an empty table.
func NewCallTable() *CallTable {
	return &CallTable{records: make(map[string]*CallRecord)}
}

// Create adds a pending record for call.
func (t *CallTable) Create(call *Call) (CallRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[call.CallID]; ok {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrDuplicateCall, call.CallID)
	}
	rec := &CallRecord{
		ID:        call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
		CallID:    call.CallID,
		TurnID:    call.TurnID,
		Status:    CallPending,
		CreatedAt: time.Now(),
	}
	t.records[call.CallID] = rec
	return *rec, nil
}

// Transition moves a record to status. Terminal statuses remove the record.
// token is recorded when entering CallWaitingForUser.
func (t *CallTable) Transition(callID string, to CallStatus, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	allowed := false
	for _, s := range transitions[rec.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, callID, rec.Status, to)
	}

	rec.Status = to
	if to == CallWaitingForUser {
		rec.Token = token
	}
	if to.Terminal() {
		delete(t.records, callID)
	}
	return nil
}

// Get returns a copy of a live record.
func (t *CallTable) Get(callID string) (CallRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[callID]
	if !ok {
		return CallRecord{}, false
	}
	return *rec, true
}

// Len returns the number of live records.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// ForTurn returns the live records of turnID.
func (t *CallTable) ForTurn(turnID string) []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []CallRecord
	for _, rec := range t.records {
		if rec.TurnID == turnID {
			out = append(out, *rec)
		}
	}
	return out
}
