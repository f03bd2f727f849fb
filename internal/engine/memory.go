// internal/engine/memory.go
package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// attemptState tracks retries for a single selector across the session.
type attemptState struct {
	attemptCount  int
	lastStepIndex int
	succeeded     bool
}

// ElementMemory is the anti-loop guard's state: a clicked-set of
// (selector, url) hashes plus per-selector retry accounting. Lifetime is one
// session; the engine owns exactly one and only its control loop touches it,
// so there is no locking here.
type ElementMemory struct {
	clicked  map[string]struct{}
	attempts map[string]*attemptState
}

// Rejection reasons reported by Check.
const (
	rejectNone         = ""
	rejectAlreadyDone  = "element already clicked on this page"
	rejectBudgetSpent  = "selector attempt budget exhausted"
	rejectCoolingDown  = "selector in cooldown"
	maxSelectorRetries = 3
	cooldownSteps      = 2
)

// NewElementMemory builds an empty guard.
func NewElementMemory() *ElementMemory {
	return &ElementMemory{
		clicked:  make(map[string]struct{}),
		attempts: make(map[string]*attemptState),
	}
}

func elementKey(selector, url string) string {
	h := sha1.Sum([]byte(selector + "\x00" + url))
	return hex.EncodeToString(h[:])
}

// Check reports whether an interaction with selector on url is allowed at
// stepIndex. It returns an empty string when allowed, otherwise the rejection
// reason. Check never mutates state.
func (m *ElementMemory) Check(selector, url string, stepIndex int) string {
	if selector == "" {
		return rejectNone
	}
	if _, done := m.clicked[elementKey(selector, url)]; done {
		return rejectAlreadyDone
	}
	st, seen := m.attempts[selector]
	if !seen {
		return rejectNone
	}
	if st.attemptCount >= maxSelectorRetries {
		return rejectBudgetSpent
	}
	if stepIndex-st.lastStepIndex < cooldownSteps {
		return rejectCoolingDown
	}
	return rejectNone
}

// Record registers an attempt. Called BEFORE the browser call so a crash mid
// execution still counts against the selector's budget.
func (m *ElementMemory) Record(selector, url string, stepIndex int) {
	if selector == "" {
		return
	}
	st, ok := m.attempts[selector]
	if !ok {
		st = &attemptState{}
		m.attempts[selector] = st
	}
	st.attemptCount++
	st.lastStepIndex = stepIndex
}

// MarkOutcome updates the attempt after execution. A "succeeded" attempt
// means the browser call worked AND the page made progress; only then does
// the (selector, url) pair join the clicked-set.
func (m *ElementMemory) MarkOutcome(selector, url string, succeeded bool) {
	if selector == "" {
		return
	}
	if st, ok := m.attempts[selector]; ok {
		st.succeeded = succeeded
	}
	if succeeded {
		m.clicked[elementKey(selector, url)] = struct{}{}
	}
}

// Attempts returns the attempt count for a selector, for logging.
func (m *ElementMemory) Attempts(selector string) int {
	if st, ok := m.attempts[selector]; ok {
		return st.attemptCount
	}
	return 0
}

// String renders a compact summary for debug logs.
func (m *ElementMemory) String() string {
	return fmt.Sprintf("elements{clicked=%d tracked=%d}", len(m.clicked), len(m.attempts))
}
