package main

import (
	"fmt"

	"github.com/boku-engineer/changeflow/internal/git"
	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/workflow"
)

// orderingProblem names a change whose recorded commits contradict the local
// commit graph.
type orderingProblem struct {
	ChangeID string
	Detail   string
}

func commitOfKind(commits []*models.ChangeCommit, kind models.CommitKind) string {
	for _, c := range commits {
		if c.Kind == kind {
			return c.CommitHash
		}
	}
	return ""
}

// auditCommitOrdering cross-checks each change's recorded tests and
// implementation commits against the repository: the implementation must
// descend from the tests commit, and a merged change's implementation must be
// reachable from the mainline. Changes without both commits recorded are
// skipped; hashes the repository cannot resolve are reported, since a recorded
// commit that is missing locally deserves a look.
func auditCommitOrdering(history *git.HistoryInspector, mainline string, statuses []*workflow.ChangeStatus) []orderingProblem {
	var problems []orderingProblem
	for _, status := range statuses {
		tests := commitOfKind(status.Commits, models.CommitKindTests)
		impl := commitOfKind(status.Commits, models.CommitKindImplementation)
		if tests == "" || impl == "" {
			continue
		}

		ordered, err := history.TestsPrecedeImplementation(tests, impl)
		switch {
		case err != nil:
			problems = append(problems, orderingProblem{
				ChangeID: status.Change.ID,
				Detail:   fmt.Sprintf("cannot verify commit ordering: %v", err),
			})
			continue
		case !ordered:
			problems = append(problems, orderingProblem{
				ChangeID: status.Change.ID,
				Detail:   fmt.Sprintf("implementation %s does not descend from tests %s", impl, tests),
			})
		}

		if status.Change.Stage != models.StageMerged {
			continue
		}
		contained, err := history.MainlineContains(mainline, impl)
		switch {
		case err != nil:
			problems = append(problems, orderingProblem{
				ChangeID: status.Change.ID,
				Detail:   fmt.Sprintf("cannot verify mainline containment: %v", err),
			})
		case !contained:
			problems = append(problems, orderingProblem{
				ChangeID: status.Change.ID,
				Detail:   fmt.Sprintf("merged but implementation %s is not reachable from %s", impl, mainline),
			})
		}
	}
	return problems
}
