package workflow

import (
	"errors"
	"fmt"

	"github.com/boku-engineer/changeflow/internal/models"
)

// ErrBlocked is the sentinel wrapped by every guard failure. Callers match it
// with errors.Is and keep the change in its current stage.
var ErrBlocked = errors.New("transition blocked")

// BlockedError reports a guard failure: the change stays at Stage and the
// Reason tells the author what to fix before retrying.
type BlockedError struct {
	Stage  models.Stage
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked at %s: %s", e.Stage, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }
