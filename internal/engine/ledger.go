// internal/engine/ledger.go
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
)

// Ledger is the session's append-only step history plus its screenshot
// artifact store. The records it holds are the authoritative input for the
// run's final summary.
type Ledger struct {
	sessionID   string
	artifactDir string
	logger      *zap.Logger
	steps       []schemas.StepRecord
}

// NewLedger prepares the artifact directory. Artifact write failures never
// fail a run; screenshots are diagnostics, not deliverables.
func NewLedger(sessionID, artifactDir string, logger *zap.Logger) *Ledger {
	l := &Ledger{
		sessionID:   sessionID,
		artifactDir: artifactDir,
		logger:      logger.Named("ledger"),
	}
	if artifactDir != "" {
		if err := os.MkdirAll(artifactDir, 0o755); err != nil {
			l.logger.Warn("Failed to create artifact directory, screenshots disabled",
				zap.String("dir", artifactDir), zap.Error(err))
			l.artifactDir = ""
		}
	}
	return l
}

// Append records a completed step.
func (l *Ledger) Append(rec schemas.StepRecord) {
	l.steps = append(l.steps, rec)
}

// Steps returns a copy of the history.
func (l *Ledger) Steps() []schemas.StepRecord {
	out := make([]schemas.StepRecord, len(l.steps))
	copy(out, l.steps)
	return out
}

// Len returns the number of recorded steps.
func (l *Ledger) Len() int { return len(l.steps) }

// Summaries renders the most recent n steps as one-line strings for prompt
// history.
func (l *Ledger) Summaries(n int) []string {
	start := len(l.steps) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(l.steps)-start)
	for _, rec := range l.steps[start:] {
		out = append(out, summarizeStep(rec))
	}
	return out
}

// NeedsReview reports whether any step was flagged for human inspection.
func (l *Ledger) NeedsReview() bool {
	for _, rec := range l.steps {
		if rec.NeedsReview {
			return true
		}
	}
	return false
}

// SaveScreenshot writes a PNG artifact keyed {sessionID}_{stepIndex}_{label}
// and returns its path, or "" when artifacts are disabled or the write fails.
func (l *Ledger) SaveScreenshot(data []byte, stepIndex int, label string) string {
	if l.artifactDir == "" || len(data) == 0 {
		return ""
	}
	name := fmt.Sprintf("%s_%d_%s.png", l.sessionID, stepIndex, label)
	path := filepath.Join(l.artifactDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		l.logger.Warn("Failed to write screenshot artifact", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}
