// Package workflow drives a change through its one-way lifecycle. Every
// transition is guarded; a guard that fails leaves the change in its current
// stage and reports a blocked error.
package workflow

import (
	"fmt"

	"github.com/boku-engineer/changeflow/internal/models"
)

// nextStage maps each stage to the only stage it may advance to. The
// lifecycle is strictly linear with no skips and no reverse edges.
var nextStage = map[models.Stage]models.Stage{
	models.StageBranched:              models.StageTestsWritten,
	models.StageTestsWritten:          models.StageImplementationWritten,
	models.StageImplementationWritten: models.StagePushed,
	models.StagePushed:                models.StagePRCreated,
	models.StagePRCreated:             models.StageCIPassed,
	models.StageCIPassed:              models.StageMerged,
}

// Next returns the stage that follows from, and whether one exists.
func Next(from models.Stage) (models.Stage, bool) {
	to, ok := nextStage[from]
	return to, ok
}

// IsTerminal reports whether the stage is terminal (the change is merged).
func IsTerminal(s models.Stage) bool {
	return s == models.StageMerged
}

func isAllowedTransition(from, to models.Stage) bool {
	next, ok := nextStage[from]
	return ok && next == to
}

// transition performs an atomic validated transition for a single change.
//
// The caller supplies the expected prior stage (from) to make races
// observable. The change is mutated if and only if the transition is valid.
func transition(change *models.Change, from, to models.Stage) error {
	if change.Stage != from {
		return blocked(change.Stage, "expected stage %s, change is at %s", from, change.Stage)
	}
	if !isAllowedTransition(from, to) {
		return blocked(change.Stage, "disallowed transition %s -> %s", from, to)
	}
	change.Stage = to
	return nil
}

func blocked(stage models.Stage, format string, args ...any) error {
	return &BlockedError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}
