// cf drives one feature-sized change through its workflow: branch, tests
// first, implementation, push, pull request, checks, merge. The service is
// the source of truth; cf mirrors each step onto the local git repository
// when one is present.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/boku-engineer/changeflow/internal/git"
	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/policy"
	"github.com/boku-engineer/changeflow/internal/pr"
	"github.com/boku-engineer/changeflow/internal/workflow"
)

const defaultTestCmd = "python manage.py test"

var (
	serverAddr = pflag.String("addr", "http://localhost:8080", "Workflow service address")
	noGit      = pflag.Bool("no-git", false, "Record workflow state without driving the local git repository")
)

type CLI struct {
	client *Client
	ws     *Workspace
	git    git.Runner // nil when no repository is available
}

func main() {
	pflag.Parse()
	args := pflag.Args()
	if len(args) < 1 {
		printHelp()
		return
	}

	ws, err := NewWorkspace()
	if err != nil {
		log.Fatalf("Failed to locate working directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	cli := &CLI{client: NewClient(*serverAddr), ws: ws}
	if !*noGit {
		if runner, err := git.OpenCLI(ctx, "."); err == nil {
			cli.git = runner
		}
	}

	switch args[0] {
	case "start":
		handleStart(ctx, cli, args[1:])
	case "tests":
		handleTests(ctx, cli, args[1:])
	case "impl":
		handleImpl(ctx, cli, args[1:])
	case "fix":
		handleFix(ctx, cli, args[1:])
	case "push":
		handlePush(ctx, cli)
	case "pr":
		handlePR(ctx, cli, args[1:])
	case "ci":
		handleCI(ctx, cli, args[1:])
	case "merge":
		handleMerge(ctx, cli)
	case "status":
		handleStatus(ctx, cli)
	case "list":
		handleList(ctx, cli, args[1:])
	case "log":
		handleLog(ctx, cli)
	case "mainline":
		handleMainline(ctx, cli)
	case "protect":
		handleProtect(ctx, cli, args[1:])
	case "guard":
		handleGuard(ctx, cli, args[1:])
	case "check-project":
		handleCheckProject(args[1:])
	default:
		log.Printf("Unknown command: %s", args[0])
		printHelp()
	}
}

func mustChangeID(cli *CLI) string {
	id, err := cli.ws.ChangeID()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return id
}

func handleStart(ctx context.Context, cli *CLI, args []string) {
	if len(args) < 1 {
		log.Println("Usage: cf start <feature-name> [--author <name>]")
		return
	}
	feature := args[0]

	fs := pflag.NewFlagSet("start", pflag.ExitOnError)
	author := fs.String("author", os.Getenv("USER"), "Change author")
	fs.Parse(args[1:])

	var baseCommit string
	if cli.git != nil {
		dirty, err := cli.git.HasChanges(ctx)
		if err != nil {
			log.Fatalf("Failed to inspect working tree: %v", err)
		}
		if dirty {
			log.Fatal("Working tree has uncommitted changes; commit or stash them before starting a change.")
		}
		protection, err := cli.client.GetProtection(ctx)
		if err != nil {
			log.Fatalf("Failed to load branch protection: %v", err)
		}
		if err := cli.git.PullFFOnly(ctx, protection.Mainline); err != nil {
			log.Fatalf("Failed to update %s: %v", protection.Mainline, err)
		}
		if baseCommit, err = cli.git.Head(ctx); err != nil {
			log.Fatalf("Failed to read mainline head: %v", err)
		}
	}

	change, err := cli.client.CreateChange(ctx, feature, *author, baseCommit)
	if err != nil {
		log.Fatalf("Failed to start change: %v", err)
	}
	if err := cli.ws.BindChange(change.ID); err != nil {
		log.Fatalf("Failed to bind change: %v", err)
	}

	if cli.git != nil {
		if err := cli.git.CreateBranch(ctx, change.BranchName); err != nil {
			log.Fatalf("Failed to create branch: %v", err)
		}
	}

	fmt.Printf("Started change %s on %s\n", change.ID, change.BranchName)
}

// localCommit commits the staged work when a repository is present, otherwise
// the hash must be supplied explicitly.
func localCommit(ctx context.Context, cli *CLI, hash, message string) string {
	if hash != "" {
		return hash
	}
	if cli.git == nil {
		log.Fatal("No git repository here; pass --hash to record an existing commit.")
	}
	if err := cli.git.Add(ctx); err != nil {
		log.Fatalf("Failed to stage changes: %v", err)
	}
	committed, err := cli.git.Commit(ctx, message)
	if err != nil {
		log.Fatalf("Failed to commit: %v", err)
	}
	return committed
}

func handleTests(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("tests", pflag.ExitOnError)
	message := fs.StringP("message", "m", "add failing tests", "Commit message")
	hash := fs.String("hash", "", "Record an existing commit instead of committing")
	fs.Parse(args)

	changeID := mustChangeID(cli)
	commitHash := localCommit(ctx, cli, *hash, *message)

	change, err := cli.client.RecordCommit(ctx, changeID, &models.ChangeCommit{
		CommitHash: commitHash,
		Kind:       models.CommitKindTests,
		Message:    *message,
	}, false)
	if err != nil {
		log.Fatalf("Failed to record tests commit: %v", err)
	}
	fmt.Printf("Tests committed (%s), change is now %s\n", commitHash, change.Stage)
}

func handleImpl(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("impl", pflag.ExitOnError)
	message := fs.StringP("message", "m", "make tests pass", "Commit message")
	hash := fs.String("hash", "", "Record an existing commit instead of committing")
	fs.Parse(args)

	changeID := mustChangeID(cli)

	// The implementation is only accepted with a green local run.
	if err := runLocalTests(ctx); err != nil {
		log.Fatalf("Local test run failed, not committing: %v", err)
	}

	commitHash := localCommit(ctx, cli, *hash, *message)
	change, err := cli.client.RecordCommit(ctx, changeID, &models.ChangeCommit{
		CommitHash: commitHash,
		Kind:       models.CommitKindImplementation,
		Message:    *message,
	}, true)
	if err != nil {
		log.Fatalf("Failed to record implementation commit: %v", err)
	}
	fmt.Printf("Implementation committed (%s), change is now %s\n", commitHash, change.Stage)
}

func handleFix(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("fix", pflag.ExitOnError)
	message := fs.StringP("message", "m", "fix review findings", "Commit message")
	hash := fs.String("hash", "", "Record an existing commit instead of committing")
	fs.Parse(args)

	changeID := mustChangeID(cli)
	commitHash := localCommit(ctx, cli, *hash, *message)

	if _, err := cli.client.RecordCommit(ctx, changeID, &models.ChangeCommit{
		CommitHash: commitHash,
		Kind:       models.CommitKindFix,
		Message:    *message,
	}, false); err != nil {
		log.Fatalf("Failed to record fix commit: %v", err)
	}
	fmt.Printf("Fix committed (%s); push to re-run the checks\n", commitHash)
}

// runLocalTests executes the project's test command, `python manage.py test`
// unless CHANGEFLOW_TEST_CMD overrides it.
func runLocalTests(ctx context.Context) error {
	testCmd := os.Getenv("CHANGEFLOW_TEST_CMD")
	if testCmd == "" {
		testCmd = defaultTestCmd
	}
	fmt.Printf("Running: %s\n", testCmd)
	cmd := exec.CommandContext(ctx, "sh", "-c", testCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func handlePush(ctx context.Context, cli *CLI) {
	changeID := mustChangeID(cli)

	if cli.git != nil {
		branch, err := cli.git.CurrentBranch(ctx)
		if err != nil {
			log.Fatalf("Failed to read current branch: %v", err)
		}
		if err := policy.ValidateBranchName(branch); err != nil {
			log.Fatalf("Refusing to push %s: %v", branch, err)
		}
		if err := cli.git.Push(ctx, branch); err != nil {
			log.Fatalf("Failed to push: %v", err)
		}
	}

	change, err := cli.client.RecordPush(ctx, changeID)
	if err != nil {
		log.Fatalf("Failed to record push: %v", err)
	}
	fmt.Printf("Pushed, change is now %s (ci: %s)\n", change.Stage, change.CIStatus)
}

func handlePR(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("pr", pflag.ExitOnError)
	title := fs.String("title", "", "Pull request title")
	summary := fs.StringSlice("summary", nil, "Summary bullet (repeatable)")
	plan := fs.StringSlice("plan", nil, "Test plan item, unchecked (repeatable)")
	done := fs.StringSlice("done", nil, "Test plan item, already checked (repeatable)")
	useGH := fs.Bool("gh", false, "Also open the PR on the remote with gh")
	fs.Parse(args)

	if *title == "" {
		log.Fatal("Usage: cf pr --title <title> --summary <bullet> --plan <item>")
	}

	var items []pr.ChecklistItem
	for _, text := range *done {
		items = append(items, pr.ChecklistItem{Text: text, Checked: true})
	}
	for _, text := range *plan {
		items = append(items, pr.ChecklistItem{Text: text})
	}
	body := pr.Build(*summary, items)

	changeID := mustChangeID(cli)
	pullRequest, err := cli.client.OpenPullRequest(ctx, changeID, *title, body)
	if err != nil {
		log.Fatalf("Failed to open pull request: %v", err)
	}
	fmt.Printf("Opened %s for %s\n", pullRequest.ID, pullRequest.BranchName)

	if *useGH && cli.git != nil {
		url, err := git.NewGHCLI(cli.git.RepoPath()).CreatePullRequest(ctx, *title, body)
		if err != nil {
			log.Fatalf("Failed to open remote PR: %v", err)
		}
		fmt.Printf("Remote PR: %s\n", url)
	}
}

func handleCI(ctx context.Context, cli *CLI, args []string) {
	if len(args) < 1 {
		log.Println("Usage: cf ci <passed|failed|pending> [--check <name>] [--url <details-url>]")
		return
	}
	status := models.CIStatus(args[0])
	switch status {
	case models.CIStatusPassed, models.CIStatusFailed, models.CIStatusPending:
	default:
		log.Fatalf("Unknown check status %q", args[0])
	}

	fs := pflag.NewFlagSet("ci", pflag.ExitOnError)
	check := fs.String("check", "test job", "Check name")
	url := fs.String("url", "", "Details URL")
	fs.Parse(args[1:])

	changeID := mustChangeID(cli)
	if _, err := cli.client.ReportCheck(ctx, changeID, *check, status, *url); err != nil {
		log.Fatalf("Failed to report check: %v", err)
	}

	result, err := cli.client.EvaluateChecks(ctx, changeID)
	if err != nil {
		log.Fatalf("Failed to evaluate checks: %v", err)
	}
	fmt.Printf("Checks: %s (stage %s)\n", result.Outcome.Status, result.Change.Stage)
	for _, name := range result.Outcome.Failed {
		fmt.Printf("  failed:  %s\n", name)
	}
	for _, name := range append(result.Outcome.Missing, result.Outcome.Pending...) {
		fmt.Printf("  pending: %s\n", name)
	}
}

func handleMerge(ctx context.Context, cli *CLI) {
	changeID := mustChangeID(cli)

	change, err := cli.client.Merge(ctx, changeID)
	if err != nil {
		log.Fatalf("Failed to merge: %v", err)
	}

	if cli.git != nil {
		protection, err := cli.client.GetProtection(ctx)
		if err != nil {
			log.Fatalf("Failed to load branch protection: %v", err)
		}
		if err := cli.git.Checkout(ctx, protection.Mainline); err != nil {
			log.Fatalf("Failed to checkout %s: %v", protection.Mainline, err)
		}
		msg := fmt.Sprintf("Merge branch '%s'", change.BranchName)
		if _, err := cli.git.MergeNoFF(ctx, change.BranchName, msg); err != nil {
			log.Fatalf("Failed to merge locally: %v", err)
		}
		if err := cli.git.DeleteBranch(ctx, change.BranchName); err != nil {
			log.Printf("Branch cleanup failed: %v", err)
		}
	}

	if err := cli.ws.Unbind(); err != nil {
		log.Printf("Failed to clear change binding: %v", err)
	}
	fmt.Printf("Merged %s, branch %s deleted\n", change.ID, change.BranchName)
}

func handleStatus(ctx context.Context, cli *CLI) {
	changeID := mustChangeID(cli)
	status, err := cli.client.GetChange(ctx, changeID)
	if err != nil {
		log.Fatalf("Failed to get change: %v", err)
	}
	fmt.Print(renderStatus(status))
}

func handleList(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	stage := fs.String("stage", "", "Only show changes in this stage")
	limit := fs.Int("limit", 0, "Show at most this many changes (0 = all)")
	fs.Parse(args)

	changes, err := cli.client.ListChanges(ctx, *stage, *limit)
	if err != nil {
		log.Fatalf("Failed to list changes: %v", err)
	}
	if len(changes) == 0 {
		fmt.Println("No changes.")
		return
	}
	fmt.Print(renderChangeList(changes))
}

func handleLog(ctx context.Context, cli *CLI) {
	changeID := mustChangeID(cli)
	status, err := cli.client.GetChange(ctx, changeID)
	if err != nil {
		log.Fatalf("Failed to get change: %v", err)
	}
	fmt.Print(renderEvents(status.Events))
}

func handleMainline(ctx context.Context, cli *CLI) {
	state, err := cli.client.GetMainline(ctx)
	if err != nil {
		log.Fatalf("Failed to get mainline state: %v", err)
	}
	fmt.Print(renderMainline(state))
}

func handleProtect(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("protect", pflag.ExitOnError)
	mainline := fs.String("mainline", "", "Mainline branch name")
	checks := fs.StringSlice("require-check", nil, "Required check (repeatable)")
	review := fs.Bool("require-review", false, "Require review before merge")
	forcePush := fs.Bool("allow-force-push", false, "Allow force pushes to the mainline")
	deletion := fs.Bool("allow-deletion", false, "Allow deleting the mainline")
	fs.Parse(args)

	protection, err := cli.client.GetProtection(ctx)
	if err != nil {
		log.Fatalf("Failed to get protection: %v", err)
	}

	if fs.NFlag() == 0 {
		fmt.Printf("mainline:        %s\n", protection.Mainline)
		fmt.Printf("required checks: %s\n", strings.Join(protection.RequiredChecks, ", "))
		fmt.Printf("require review:  %v\n", protection.RequireReview)
		fmt.Printf("enforce admins:  %v\n", protection.EnforceAdmins)
		fmt.Printf("force push:      %v\n", protection.AllowForcePush)
		fmt.Printf("deletion:        %v\n", protection.AllowDeletion)
		return
	}

	if *mainline != "" {
		protection.Mainline = *mainline
	}
	if len(*checks) > 0 {
		protection.RequiredChecks = *checks
	}
	protection.RequireReview = *review
	protection.AllowForcePush = *forcePush
	protection.AllowDeletion = *deletion

	if err := cli.client.PutProtection(ctx, protection); err != nil {
		log.Fatalf("Failed to update protection: %v", err)
	}
	fmt.Println("Protection updated")
}

func handleGuard(ctx context.Context, cli *CLI, args []string) {
	fs := pflag.NewFlagSet("guard", pflag.ExitOnError)
	repo := fs.String("repo", ".", "Repository to inspect")
	limit := fs.Int("limit", 0, "Limit the first-parent walk (0 = full history)")
	watch := fs.Bool("watch", false, "Keep watching the mainline ref and re-check on updates")
	fs.Parse(args)

	protection, err := cli.client.GetProtection(ctx)
	if err != nil {
		log.Fatalf("Failed to get protection: %v", err)
	}

	check := func(ctx context.Context) {
		history, err := git.OpenHistory(*repo)
		if err != nil {
			log.Fatalf("Failed to open repository: %v", err)
		}
		violations, err := history.FirstParentViolations(protection.Mainline, *limit)
		if err != nil {
			log.Fatalf("Failed to walk %s: %v", protection.Mainline, err)
		}
		if len(violations) == 0 {
			fmt.Printf("%s is clean: every commit landed through a merge\n", protection.Mainline)
		} else {
			fmt.Printf("%d direct commit(s) on %s:\n", len(violations), protection.Mainline)
			for _, hash := range violations {
				fmt.Printf("  %s\n", hash)
			}
		}

		statuses := loadChangeStatuses(ctx, cli)
		problems := auditCommitOrdering(history, protection.Mainline, statuses)
		if len(problems) == 0 {
			fmt.Println("recorded commits respect the tests-before-implementation ordering")
			return
		}
		fmt.Printf("%d change(s) with commit-graph problems:\n", len(problems))
		for _, p := range problems {
			fmt.Printf("  %s: %s\n", p.ChangeID, p.Detail)
		}
	}
	check(ctx)

	if !*watch {
		return
	}
	watcher, err := policy.WatchMainline(*repo, protection.Mainline, nil, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()
		check(runCtx)
	})
	if err != nil {
		log.Fatalf("Failed to watch mainline: %v", err)
	}
	defer watcher.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// loadChangeStatuses fetches the full status of every change the service
// knows about.
func loadChangeStatuses(ctx context.Context, cli *CLI) []*workflow.ChangeStatus {
	changes, err := cli.client.ListChanges(ctx, "", 0)
	if err != nil {
		log.Fatalf("Failed to list changes: %v", err)
	}
	statuses := make([]*workflow.ChangeStatus, 0, len(changes))
	for _, change := range changes {
		status, err := cli.client.GetChange(ctx, change.ID)
		if err != nil {
			log.Fatalf("Failed to get change %s: %v", change.ID, err)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func handleCheckProject(args []string) {
	if len(args) < 1 {
		log.Println("Usage: cf check-project <project-id> [--dir <path>]")
		return
	}
	projectID := args[0]

	fs := pflag.NewFlagSet("check-project", pflag.ExitOnError)
	dir := fs.String("dir", "", "Project directory (defaults to the working directory)")
	fs.Parse(args[1:])

	target := *dir
	if target == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("Failed to locate working directory: %v", err)
		}
		target = wd
	}

	if err := policy.ValidateProjectIdentifier(projectID, target); err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("%s matches %s\n", projectID, target)
}

func printHelp() {
	fmt.Println("Usage: cf [--addr <url>] [--no-git] <command> [options]")
	fmt.Println("\nWorkflow commands:")
	fmt.Println("  start          Open a change and create its feature branch")
	fmt.Println("  tests          Commit and record the failing tests")
	fmt.Println("  impl           Run the test suite, commit and record the implementation")
	fmt.Println("  fix            Commit and record a fix after a failed check run")
	fmt.Println("  push           Push the feature branch and record it")
	fmt.Println("  pr             Open the pull request")
	fmt.Println("  ci             Report a check result and evaluate the gate")
	fmt.Println("  merge          Merge the change into the mainline")
	fmt.Println("\nInspection commands:")
	fmt.Println("  status         Show the active change")
	fmt.Println("  list           List changes, optionally by stage")
	fmt.Println("  log            Show the active change's stage history")
	fmt.Println("  mainline       Show the mainline tip and merge history")
	fmt.Println("  protect        Show or update branch protection")
	fmt.Println("  guard          Check the mainline for direct commits and commit ordering")
	fmt.Println("  check-project  Verify the project identifier naming rule")
}
