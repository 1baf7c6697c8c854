// Package gitops runs git operations against the workflow repository checkout.
// All git invocations are encapsulated in Runner — no other package may call
// the binary directly. The scheduler dispatches operations on demand and
// relays progress over pub/sub; this package knows nothing about transport.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// PullOutcome classifies how a pull (or the pull leg of a sync) ended.
type PullOutcome string

const (
	PullSuccess  PullOutcome = "success"
	PullConflict PullOutcome = "conflict"
	PullFailed   PullOutcome = "failed"
)

// opTimeout bounds a single git invocation. Network operations against a
// slow remote are the long pole; everything local finishes in milliseconds.
const opTimeout = 2 * time.Minute

// FileStatus is one entry of the porcelain status output.
type FileStatus struct {
	// Path is repository-relative.
	Path string `json:"path"`
	// Staged and Unstaged are the two porcelain state letters ("M", "A",
	// "D", "?", or "." for unchanged).
	Staged   string `json:"staged"`
	Unstaged string `json:"unstaged"`
}

// StatusResult is the parsed working-tree state.
type StatusResult struct {
	Branch  string       `json:"branch"`
	Ahead   int          `json:"ahead"`
	Behind  int          `json:"behind"`
	Changes []FileStatus `json:"changes"`
}

// Clean reports whether the working tree has no local changes.
func (s StatusResult) Clean() bool { return len(s.Changes) == 0 }

// CommitResult reports what a commit attempt did.
type CommitResult struct {
	// Committed is false when the tree was clean and no commit was created.
	Committed bool   `json:"committed"`
	Hash      string `json:"hash,omitempty"`
}

// PullResult carries the pull classification and, on conflict, the set of
// conflicted paths.
type PullResult struct {
	Outcome   PullOutcome `json:"outcome"`
	Conflicts []string    `json:"conflicts,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// DiffEntry is one file of a name-status diff.
type DiffEntry struct {
	Status string `json:"status"` // "M", "A", "D", "R", ...
	Path   string `json:"path"`
}

// ResolveStrategy picks a side when resolving conflicts.
type ResolveStrategy string

const (
	ResolveOurs   ResolveStrategy = "ours"
	ResolveTheirs ResolveStrategy = "theirs"
)

// Runner executes git against one repository checkout. Safe for concurrent
// use; each call builds an independent exec.Cmd. The scheduler serializes
// mutating operations anyway, one job at a time.
type Runner struct {
	repoDir string
	gitBin  string
}

// NewRunner creates a Runner for the checkout at repoDir.
func NewRunner(repoDir string) *Runner {
	return &Runner{repoDir: repoDir, gitBin: "git"}
}

// Fetch updates remote-tracking refs.
func (r *Runner) Fetch(ctx context.Context) error {
	_, err := r.run(ctx, "fetch", "--prune")
	return err
}

// Status parses `git status --porcelain=v2 --branch` into a StatusResult.
func (r *Runner) Status(ctx context.Context) (StatusResult, error) {
	out, err := r.run(ctx, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return StatusResult{}, err
	}
	return parseStatus(out), nil
}

// Commit stages everything and commits. A clean tree is not an error; the
// result reports Committed=false.
func (r *Runner) Commit(ctx context.Context, message string) (CommitResult, error) {
	if _, err := r.run(ctx, "add", "--all"); err != nil {
		return CommitResult{}, err
	}
	status, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return CommitResult{}, err
	}
	if strings.TrimSpace(status) == "" {
		return CommitResult{Committed: false}, nil
	}
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return CommitResult{}, err
	}
	hash, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Committed: true, Hash: strings.TrimSpace(hash)}, nil
}

// Pull merges the upstream branch and classifies the outcome. A merge that
// stops on conflicts reports the conflicted paths; the working tree is left
// mid-merge for Resolve or manual intervention.
func (r *Runner) Pull(ctx context.Context) (PullResult, error) {
	out, err := r.run(ctx, "pull", "--no-rebase")
	if err == nil {
		return PullResult{Outcome: PullSuccess}, nil
	}

	conflicts, cerr := r.conflictedPaths(ctx)
	if cerr == nil && len(conflicts) > 0 {
		return PullResult{Outcome: PullConflict, Conflicts: conflicts, Detail: strings.TrimSpace(out)}, nil
	}
	return PullResult{Outcome: PullFailed, Detail: err.Error()}, nil
}

// Push publishes local commits.
func (r *Runner) Push(ctx context.Context) error {
	_, err := r.run(ctx, "push")
	return err
}

// Resolve settles every conflicted path to one side and stages the result.
// An empty paths list resolves all conflicted files.
func (r *Runner) Resolve(ctx context.Context, strategy ResolveStrategy, paths []string) error {
	if strategy != ResolveOurs && strategy != ResolveTheirs {
		return fmt.Errorf("gitops: unknown resolve strategy %q", strategy)
	}
	if len(paths) == 0 {
		var err error
		paths, err = r.conflictedPaths(ctx)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return nil
		}
	}

	args := append([]string{"checkout", "--" + string(strategy), "--"}, paths...)
	if _, err := r.run(ctx, args...); err != nil {
		return err
	}
	if _, err := r.run(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return err
	}
	return nil
}

// CommitMerge concludes an in-progress merge after Resolve.
func (r *Runner) CommitMerge(ctx context.Context, message string) error {
	_, err := r.run(ctx, "commit", "--no-edit", "-m", message)
	return err
}

// Diff lists files changed against the upstream branch.
func (r *Runner) Diff(ctx context.Context) ([]DiffEntry, error) {
	out, err := r.run(ctx, "diff", "--name-status", "@{upstream}...HEAD")
	if err != nil {
		// No upstream configured: diff against the empty tree is useless
		// here, report local changes instead.
		out, err = r.run(ctx, "diff", "--name-status", "HEAD")
		if err != nil {
			return nil, err
		}
	}
	return parseNameStatus(out), nil
}

// conflictedPaths lists files in the unmerged state.
func (r *Runner) conflictedPaths(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// run executes one git command in the checkout with the per-op timeout.
// Output is combined; a non-zero exit wraps the tail of the output.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.gitBin, append([]string{"-C", r.repoDir}, args...)...)
	// Never block on an interactive credential prompt.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gitops: git %s: %w\n%s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// parseStatus decodes porcelain v2 with branch headers.
func parseStatus(out string) StatusResult {
	var res StatusResult
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			res.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			// "# branch.ab +<ahead> -<behind>"
			fields := strings.Fields(strings.TrimPrefix(line, "# branch.ab "))
			if len(fields) == 2 {
				res.Ahead, _ = strconv.Atoi(strings.TrimPrefix(fields[0], "+"))
				behind, _ := strconv.Atoi(strings.TrimPrefix(fields[1], "-"))
				res.Behind = behind
			}
		case strings.HasPrefix(line, "1 ") || strings.HasPrefix(line, "2 "):
			// "1 <XY> <sub> ... <path>" — the path is the last field for
			// ordinary entries. Renames ("2") carry "<new>\t<old>"; keep the
			// new name.
			fields := strings.Fields(line)
			if len(fields) < 9 {
				continue
			}
			xy := fields[1]
			path := fields[len(fields)-1]
			if i := strings.IndexByte(path, '\t'); i >= 0 {
				path = path[:i]
			}
			res.Changes = append(res.Changes, FileStatus{
				Path:     path,
				Staged:   string(xy[0]),
				Unstaged: string(xy[1]),
			})
		case strings.HasPrefix(line, "? "):
			res.Changes = append(res.Changes, FileStatus{
				Path:     strings.TrimPrefix(line, "? "),
				Staged:   ".",
				Unstaged: "?",
			})
		case strings.HasPrefix(line, "u "):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			res.Changes = append(res.Changes, FileStatus{
				Path:     fields[len(fields)-1],
				Staged:   "U",
				Unstaged: "U",
			})
		}
	}
	return res
}

// parseNameStatus decodes `diff --name-status` lines.
func parseNameStatus(out string) []DiffEntry {
	var entries []DiffEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		status, path, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		// Renames are "R100\told\tnew"; keep the new name.
		if rest, newPath, renamed := strings.Cut(path, "\t"); renamed {
			_ = rest
			path = newPath
		}
		entries = append(entries, DiffEntry{Status: status[:1], Path: path})
	}
	return entries
}
