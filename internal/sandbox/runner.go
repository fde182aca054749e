// Package sandbox runs verification scripts in isolation. Docker is the
// preferred mode (no network, capped memory and CPU); when Docker is not
// available it degrades to direct execution in a throwaway directory.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"selfpatch/internal/logging"
)

// Mode identifies how a verification run was executed.
type Mode string

const (
	ModeDocker Mode = "docker"
	ModeLocal  Mode = "local"
)

// Result captures one verification run.
type Result struct {
	Passed   bool          `json:"passed"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	Mode     Mode          `json:"mode"`
}

// Config holds sandbox resource limits.
type Config struct {
	Image          string
	Timeout        time.Duration
	Memory         string // docker --memory value, e.g. "256m"
	CPUs           string // docker --cpus value, e.g. "0.5"
	MaxOutputBytes int64
}

// DefaultConfig returns the default sandbox limits.
func DefaultConfig() Config {
	return Config{
		Image:          "alpine:latest",
		Timeout:        60 * time.Second,
		Memory:         "256m",
		CPUs:           "0.5",
		MaxOutputBytes: 1 << 20,
	}
}

// Runner executes verification scripts.
type Runner struct {
	config     Config
	dockerPath string
	available  bool
	forceLocal bool
	log        *logging.Logger
}

// NewRunner creates a runner, probing for Docker.
func NewRunner(config Config) *Runner {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	if config.Image == "" {
		config.Image = DefaultConfig().Image
	}
	r := &Runner{
		config: config,
		log:    logging.Get(logging.CategorySandbox),
	}
	r.detectDocker()
	return r
}

// detectDocker checks if Docker is available and responsive.
func (r *Runner) detectDocker() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		r.available = false
		return
	}
	r.dockerPath = dockerPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		r.available = false
		return
	}
	r.available = true
}

// DockerAvailable reports whether Docker isolation is in use.
func (r *Runner) DockerAvailable() bool {
	return r.available && !r.forceLocal
}

// SetForceLocal disables Docker even when available. Used by tests and
// environments where the daemon is present but unusable.
func (r *Runner) SetForceLocal(force bool) {
	r.forceLocal = force
}

// Run executes script (a shell script) with the given files laid out in
// the working directory. The script's exit code decides Passed. A run
// that exceeds the timeout is killed and reported with TimedOut set;
// only infrastructure failures (cannot stage files, cannot start the
// process) return an error.
func (r *Runner) Run(ctx context.Context, script string, files map[string]string) (*Result, error) {
	workDir, err := os.MkdirTemp("", "selfpatch-verify-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	for name, content := range files {
		dst := filepath.Join(workDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		if err := os.WriteFile(dst, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}

	scriptPath := filepath.Join(workDir, "verify.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return nil, fmt.Errorf("stage verify script: %w", err)
	}

	if r.DockerAvailable() {
		return r.runDocker(ctx, workDir)
	}

	r.log.Warn("docker unavailable, running verification directly (degraded isolation)")
	return r.runLocal(ctx, workDir)
}

func (r *Runner) runDocker(ctx context.Context, workDir string) (*Result, error) {
	args := []string{
		"run", "--rm",
		"--network", "none",
		"--memory", r.config.Memory,
		"--cpus", r.config.CPUs,
		"-v", fmt.Sprintf("%s:/work", workDir),
		"-w", "/work",
		r.config.Image,
		"sh", "verify.sh",
	}

	execCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.dockerPath, args...)
	return r.capture(execCtx, cmd, ModeDocker)
}

func (r *Runner) runLocal(ctx context.Context, workDir string) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "verify.sh")
	cmd.Dir = workDir
	return r.capture(execCtx, cmd, ModeLocal)
}

// capture runs the prepared command and folds its outcome into a Result.
func (r *Runner) capture(execCtx context.Context, cmd *exec.Cmd, mode Mode) (*Result, error) {
	var outBuf bytes.Buffer
	limited := &limitedWriter{w: &outBuf, max: r.config.MaxOutputBytes}
	cmd.Stdout = limited
	cmd.Stderr = limited
	// Orphaned children holding the output pipe must not stall Wait
	// past the deadline.
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Output:   outBuf.String(),
		Duration: duration,
		Mode:     mode,
		ExitCode: -1,
	}
	if limited.truncated {
		result.Output += fmt.Sprintf("\n[output truncated, %d bytes discarded]", limited.discarded)
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.Error = fmt.Sprintf("timeout after %s", r.config.Timeout)
			r.log.Warn("verification timed out after %s (mode=%s)", r.config.Timeout, mode)
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", result.ExitCode)
			r.log.Info("verification failed: exit=%d duration=%v mode=%s", result.ExitCode, duration, mode)
			return result, nil
		}
		// Infrastructure failure: the sandbox never ran the script.
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}

	result.Passed = true
	result.ExitCode = 0
	r.log.Info("verification passed: duration=%v mode=%s", duration, mode)
	return result, nil
}

// limitedWriter caps captured output so a noisy script cannot exhaust
// memory.
type limitedWriter struct {
	w         *bytes.Buffer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
