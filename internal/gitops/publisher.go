// Package gitops publishes applied improvements to version control by
// shelling out to the git binary. A repo without a remote, or a push the
// remote refuses, degrades to a local commit rather than failing the
// improvement.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"selfpatch/internal/logging"
)

// PublishResult captures the outcome of publishing one improvement.
type PublishResult struct {
	Success      bool      `json:"success"`
	CommitHash   string    `json:"commit_hash,omitempty"`
	Message      string    `json:"message"`
	Pushed       bool      `json:"pushed"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Error        string    `json:"error,omitempty"`
}

// Commit is one entry from the repo log.
type Commit struct {
	Hash          string `json:"hash"`
	Message       string `json:"message"`
	Author        string `json:"author"`
	Date          string `json:"date"`
	IsImprovement bool   `json:"is_improvement"`
}

// commitPrefix marks commits produced by the pipeline.
const commitPrefix = "auto-improvement: "

// Publisher runs git commands in a repository.
type Publisher struct {
	root    string
	timeout time.Duration
	log     *logging.Logger
}

// NewPublisher creates a publisher for the repository at root.
func NewPublisher(root string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Publisher{
		root:    root,
		timeout: timeout,
		log:     logging.Get(logging.CategoryGit),
	}
}

// runGit executes one git command in the repo root.
func (p *Publisher) runGit(ctx context.Context, args ...string) (string, string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = p.root

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// Check verifies git is usable in the configured root. Call once at
// startup: failures here are configuration errors, not per-publish ones.
func (p *Publisher) Check(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git binary not found: %w", err)
	}
	if !p.IsRepo(ctx) {
		return fmt.Errorf("%s is not a git repository", p.root)
	}
	return nil
}

// IsRepo reports whether root is inside a git work tree.
func (p *Publisher) IsRepo(ctx context.Context) bool {
	out, _, err := p.runGit(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HasRemote reports whether the repo has any remote configured.
func (p *Publisher) HasRemote(ctx context.Context) bool {
	out, _, err := p.runGit(ctx, "remote")
	return err == nil && out != ""
}

// HasChanges reports whether the work tree has uncommitted changes.
func (p *Publisher) HasChanges(ctx context.Context) bool {
	out, _, err := p.runGit(ctx, "status", "--porcelain")
	return err == nil && out != ""
}

// ChangedFiles returns the paths with uncommitted changes.
func (p *Publisher) ChangedFiles(ctx context.Context) []string {
	out, _, err := p.runGit(ctx, "status", "--porcelain")
	if err != nil || out == "" {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		// Porcelain lines are "XY path", with the status in the first
		// two columns.
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files
}

// CurrentBranch returns the checked-out branch name.
func (p *Publisher) CurrentBranch(ctx context.Context) string {
	out, _, err := p.runGit(ctx, "branch", "--show-current")
	if err != nil {
		return ""
	}
	return out
}

// PublishImprovement stages everything, commits with a descriptive
// message, and pushes if a remote exists. A rejected push gets exactly
// one pull --rebase retry. Commit ok + push failed is a degraded
// success: Success true, Pushed false.
func (p *Publisher) PublishImprovement(ctx context.Context, title, description, improvementID string, files []string) PublishResult {
	result := PublishResult{
		Timestamp:    time.Now(),
		FilesChanged: files,
	}

	if !p.IsRepo(ctx) {
		result.Error = "not a git repository"
		result.Message = "publish skipped: not a git repository"
		return result
	}

	if !p.HasChanges(ctx) {
		result.Success = true
		result.Message = "nothing to commit"
		return result
	}
	if len(result.FilesChanged) == 0 {
		result.FilesChanged = p.ChangedFiles(ctx)
	}

	// Stage everything. The snapshot layer already scoped what changed.
	if _, stderr, err := p.runGit(ctx, "add", "-A"); err != nil {
		result.Error = fmt.Sprintf("git add failed: %s", firstNonEmpty(stderr, err.Error()))
		result.Message = "staging failed"
		return result
	}

	message := buildCommitMessage(title, description, improvementID, result.FilesChanged)
	if _, stderr, err := p.runGit(ctx, "commit", "-m", message); err != nil {
		result.Error = fmt.Sprintf("git commit failed: %s", firstNonEmpty(stderr, err.Error()))
		result.Message = "commit failed"
		return result
	}

	if hash, _, err := p.runGit(ctx, "rev-parse", "--short", "HEAD"); err == nil {
		result.CommitHash = hash
	}

	p.log.Info("committed improvement %s as %s", improvementID, result.CommitHash)

	if !p.HasRemote(ctx) {
		result.Success = true
		result.Message = fmt.Sprintf("committed %s locally (no remote)", result.CommitHash)
		return result
	}

	branch := p.CurrentBranch(ctx)
	if err := p.push(ctx, branch); err != nil {
		// Commit landed, push did not: degraded success.
		result.Success = true
		result.Pushed = false
		result.Error = err.Error()
		result.Message = fmt.Sprintf("committed %s, push failed", result.CommitHash)
		p.log.Warn("push failed for %s: %v", result.CommitHash, err)
		return result
	}

	result.Success = true
	result.Pushed = true
	result.Message = fmt.Sprintf("committed and pushed %s", result.CommitHash)
	p.log.Info("pushed improvement %s (%s)", improvementID, result.CommitHash)
	return result
}

// push pushes the branch, retrying once after a pull --rebase when the
// remote rejected the update.
func (p *Publisher) push(ctx context.Context, branch string) error {
	args := []string{"push"}
	if branch != "" {
		args = append(args, "origin", branch)
	}

	_, stderr, err := p.runGit(ctx, args...)
	if err == nil {
		return nil
	}

	if strings.Contains(stderr, "rejected") {
		p.log.Info("push rejected, attempting pull --rebase")
		if _, rebaseErr, err2 := p.runGit(ctx, "pull", "--rebase"); err2 != nil {
			return fmt.Errorf("push rejected and rebase failed: %s", firstNonEmpty(rebaseErr, err2.Error()))
		}
		if _, stderr2, err3 := p.runGit(ctx, args...); err3 != nil {
			return fmt.Errorf("push failed after rebase: %s", firstNonEmpty(stderr2, err3.Error()))
		}
		return nil
	}

	return fmt.Errorf("push failed: %s", firstNonEmpty(stderr, err.Error()))
}

// History returns recent commits, flagging pipeline-authored ones.
func (p *Publisher) History(ctx context.Context, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	out, stderr, err := p.runGit(ctx, "log",
		fmt.Sprintf("-%d", limit),
		"--pretty=format:%h%x1f%s%x1f%an%x1f%ad", "--date=short")
	if err != nil {
		return nil, fmt.Errorf("git log failed: %s", firstNonEmpty(stderr, err.Error()))
	}

	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{
			Hash:          parts[0],
			Message:       parts[1],
			Author:        parts[2],
			Date:          parts[3],
			IsImprovement: strings.HasPrefix(parts[1], commitPrefix),
		})
	}
	return commits, nil
}

func buildCommitMessage(title, description, improvementID string, files []string) string {
	var b strings.Builder
	b.WriteString(commitPrefix)
	b.WriteString(title)
	b.WriteString("\n\n")
	if description != "" {
		b.WriteString(description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Improvement-ID: %s\n", improvementID)
	if len(files) > 0 {
		b.WriteString("Files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	return b.String()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
