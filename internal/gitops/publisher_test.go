package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway git repository with identity configured so
// commits work in bare CI environments.
func initRepo(t *testing.T) (string, *Publisher) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return dir, NewPublisher(dir, 30*time.Second)
}

func writeAndSeed(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed\n"), 0644))
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", "seed"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestCheckOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	p := NewPublisher(t.TempDir(), 30*time.Second)
	assert.Error(t, p.Check(context.Background()))
}

func TestCheckInsideRepo(t *testing.T) {
	_, p := initRepo(t)
	assert.NoError(t, p.Check(context.Background()))
}

func TestProbes(t *testing.T) {
	dir, p := initRepo(t)
	ctx := context.Background()

	assert.True(t, p.IsRepo(ctx))
	assert.False(t, p.HasRemote(ctx))
	assert.False(t, p.HasChanges(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0644))
	assert.True(t, p.HasChanges(ctx))
	assert.Equal(t, []string{"dirty.txt"}, p.ChangedFiles(ctx))
}

func TestPublishCommitsLocallyWithoutRemote(t *testing.T) {
	dir, p := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fix.go"), []byte("package fix\n"), 0644))

	result := p.PublishImprovement(context.Background(),
		"harden retry loop", "adds backoff to the flaky tool", "fix-0042",
		[]string{"fix.go"})

	assert.True(t, result.Success)
	assert.False(t, result.Pushed)
	assert.NotEmpty(t, result.CommitHash)
	assert.Contains(t, result.Message, "no remote")
}

func TestPublishNothingToCommit(t *testing.T) {
	dir, p := initRepo(t)
	writeAndSeed(t, dir)

	result := p.PublishImprovement(context.Background(), "noop", "", "fix-0001", nil)

	assert.True(t, result.Success)
	assert.Empty(t, result.CommitHash)
	assert.Equal(t, "nothing to commit", result.Message)
}

func TestPublishOutsideRepoFails(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	p := NewPublisher(t.TempDir(), 30*time.Second)

	result := p.PublishImprovement(context.Background(), "x", "", "fix-0001", nil)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestPublishPushFailureIsDegradedSuccess(t *testing.T) {
	dir, p := initRepo(t)
	writeAndSeed(t, dir)

	// Remote points at a path that does not exist, so push must fail
	// while the local commit survives.
	cmd := exec.Command("git", "remote", "add", "origin", filepath.Join(dir, "no-such-remote.git"))
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fix.go"), []byte("package fix\n"), 0644))

	result := p.PublishImprovement(context.Background(),
		"broken remote", "", "fix-0099", []string{"fix.go"})

	assert.True(t, result.Success, "commit landed, so the improvement stands")
	assert.False(t, result.Pushed)
	assert.NotEmpty(t, result.CommitHash)
	assert.NotEmpty(t, result.Error)
}

func TestHistoryFlagsImprovementCommits(t *testing.T) {
	dir, p := initRepo(t)
	writeAndSeed(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fix.go"), []byte("package fix\n"), 0644))
	result := p.PublishImprovement(context.Background(), "add fix", "", "fix-0007", []string{"fix.go"})
	require.True(t, result.Success)

	commits, err := p.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)

	assert.True(t, commits[0].IsImprovement)
	assert.Equal(t, "auto-improvement: add fix", commits[0].Message)
	assert.False(t, commits[1].IsImprovement)
	assert.Equal(t, "seed", commits[1].Message)
}

func TestBuildCommitMessage(t *testing.T) {
	msg := buildCommitMessage("title here", "longer description", "fix-0042",
		[]string{"a.go", "b.go"})

	assert.Contains(t, msg, "auto-improvement: title here")
	assert.Contains(t, msg, "longer description")
	assert.Contains(t, msg, "Improvement-ID: fix-0042")
	assert.Contains(t, msg, "  - a.go")
	assert.Contains(t, msg, "  - b.go")
}
