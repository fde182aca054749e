// Package improve runs the self-improvement pipeline: analyze history,
// generate a change, snapshot, apply, verify in the sandbox, and either
// commit or roll back. The scheduler only works while the host agent is
// idle and enforces a shared cooldown across scheduled and manual runs.
package improve

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"selfpatch/internal/analysis"
	"selfpatch/internal/generation"
	"selfpatch/internal/gitops"
	"selfpatch/internal/logging"
	"selfpatch/internal/sandbox"
	"selfpatch/internal/snapshot"
	"selfpatch/internal/store"
)

// Config holds scheduler timing and limits.
type Config struct {
	Tick              time.Duration // poll interval
	IdleThreshold     time.Duration // quiet time required before a cycle
	Cooldown          time.Duration // min spacing between cycles
	MaxPerCycle       int           // opportunities attempted per cycle
	RetryLookback     time.Duration // skip opportunities that failed within this window
	SnapshotRetention int           // committed snapshots kept on disk
	ProjectRoot       string        // for relative paths in publish output
}

// DefaultConfig returns production timings.
func DefaultConfig(projectRoot string) Config {
	return Config{
		Tick:              60 * time.Second,
		IdleThreshold:     300 * time.Second,
		Cooldown:          300 * time.Second,
		MaxPerCycle:       3,
		RetryLookback:     24 * time.Hour,
		SnapshotRetention: 20,
		ProjectRoot:       projectRoot,
	}
}

// Deps collects the pipeline components the scheduler drives.
type Deps struct {
	Analyzer  *analysis.Analyzer
	Generator *generation.Generator
	Snapshots *snapshot.Manager
	Sandbox   *sandbox.Runner
	Publisher *gitops.Publisher // nil disables publishing
	Results   *store.ResultStore
}

// Scheduler owns the improvement loop.
type Scheduler struct {
	deps Deps
	cfg  Config
	log  *logging.Logger

	mu           sync.Mutex
	lastActivity time.Time
	lastAttempt  time.Time
	inCycle      bool
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}

	// onResult, if set, is called after each attempt. Used by the CLI
	// for progress output.
	onResult func(Result)
}

// NewScheduler wires the pipeline. The cooldown clock is restored from
// the result store so restarts do not reset it.
func NewScheduler(deps Deps, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 60 * time.Second
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 3
	}

	s := &Scheduler{
		deps:         deps,
		cfg:          cfg,
		log:          logging.Get(logging.CategoryScheduler),
		lastActivity: time.Now(),
	}

	if deps.Results != nil {
		if last, ok, err := deps.Results.LastAttempt(); err == nil && ok {
			s.lastAttempt = last
		}
	}
	return s
}

// SetResultCallback registers a per-attempt callback.
func (s *Scheduler) SetResultCallback(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// RecordActivity notes that the host agent just did work. The idle clock
// restarts from now.
func (s *Scheduler) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// IsIdle reports whether the host agent has been quiet long enough.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) >= s.cfg.IdleThreshold
}

// CooldownRemaining returns how long until the next cycle may start.
func (s *Scheduler) CooldownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownRemainingLocked()
}

func (s *Scheduler) cooldownRemainingLocked() time.Duration {
	if s.lastAttempt.IsZero() {
		return 0
	}
	remaining := s.cfg.Cooldown - time.Since(s.lastAttempt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Start launches the background loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.loop(ctx, stopCh, doneCh)
	s.log.Info("scheduler started (tick=%v idle=%v cooldown=%v)", s.cfg.Tick, s.cfg.IdleThreshold, s.cfg.Cooldown)
	return nil
}

// Stop shuts down the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsIdle() {
				continue
			}
			if _, err := s.RunCycle(ctx); err != nil {
				if _, isCooldown := err.(*CooldownError); !isCooldown {
					s.log.Error("cycle failed: %v", err)
				}
			}
		}
	}
}

// ForceImprove runs a cycle immediately, skipping the idle check but
// honoring the cooldown. Used by the manual CLI trigger.
func (s *Scheduler) ForceImprove(ctx context.Context) ([]Result, error) {
	return s.RunCycle(ctx)
}

// RunCycle executes one improvement cycle: top opportunities by priority,
// at most MaxPerCycle, aborting the batch if host activity resumes.
// Rejected with a CooldownError when a cycle ran too recently or is
// still in flight.
func (s *Scheduler) RunCycle(ctx context.Context) ([]Result, error) {
	s.mu.Lock()
	if s.inCycle {
		rem := s.cooldownRemainingLocked()
		if rem <= 0 {
			rem = s.cfg.Cooldown
		}
		s.mu.Unlock()
		return nil, &CooldownError{Remaining: rem}
	}
	if rem := s.cooldownRemainingLocked(); rem > 0 {
		s.mu.Unlock()
		return nil, &CooldownError{Remaining: rem}
	}
	// The cooldown clock starts when the cycle starts, so a manual
	// trigger arriving mid-cycle is rejected too.
	s.lastAttempt = time.Now()
	s.inCycle = true
	wasIdle := time.Since(s.lastActivity) >= s.cfg.IdleThreshold
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inCycle = false
		s.mu.Unlock()
	}()

	timer := logging.StartTimer(logging.CategoryScheduler, "improvement cycle")
	defer timer.StopWithInfo()

	opps := s.deps.Analyzer.Analyze()
	if len(opps) == 0 {
		s.log.Info("no opportunities found")
		return nil, nil
	}

	var results []Result
	for _, opp := range opps {
		if len(results) >= s.cfg.MaxPerCycle {
			break
		}
		// Abort the batch if the host agent came back mid-cycle.
		if wasIdle && !s.IsIdle() {
			s.log.Info("host activity resumed, aborting cycle after %d attempts", len(results))
			break
		}

		// A recently-failed opportunity does not consume a cycle slot;
		// the next-ranked one takes its place.
		if s.deps.Results != nil && s.cfg.RetryLookback > 0 {
			if failed, err := s.deps.Results.FailedRecently(opp.ID, s.cfg.RetryLookback); err == nil && failed {
				s.log.Debug("skipping %s: failed within %v", opp.ID, s.cfg.RetryLookback)
				continue
			}
		}

		res := s.processOpportunity(ctx, opp)
		results = append(results, res)
		s.record(res)
	}

	return results, nil
}

// record persists a result and notifies the callback.
func (s *Scheduler) record(res Result) {
	if s.deps.Results != nil {
		rec := store.ResultRecord{
			OpportunityID:  res.OpportunityID,
			Success:        res.Success,
			Stage:          res.Stage.String(),
			Message:        res.Message,
			ChangesApplied: res.ChangesApplied,
			CreatedAt:      res.Timestamp,
		}
		if res.Publish != nil {
			rec.CommitHash = res.Publish.CommitHash
			rec.Pushed = res.Publish.Pushed
			rec.PublishError = res.Publish.Error
		}
		if err := s.deps.Results.Append(rec); err != nil {
			s.log.Error("failed to persist result for %s: %v", res.OpportunityID, err)
		}
	}

	s.mu.Lock()
	cb := s.onResult
	s.mu.Unlock()
	if cb != nil {
		cb(res)
	}
}

// processOpportunity walks one opportunity through the full pipeline.
// A panic anywhere in the attempt is contained here: the improvement is
// rolled back if a snapshot exists and the loop continues.
func (s *Scheduler) processOpportunity(ctx context.Context, opp analysis.Opportunity) (res Result) {
	res = Result{
		OpportunityID: opp.ID,
		Stage:         StagePending,
		Timestamp:     time.Now(),
	}

	var snapID string
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic processing %s at %s: %v", opp.ID, res.Stage, r)
			res.Success = false
			res.Message = fmt.Sprintf("panic at %s: %v", res.Stage, r)
			// A snapshot means the tree may have been touched; RollbackTo
			// is idempotent, so restore without guessing how far the
			// apply got before the panic.
			if snapID != "" {
				s.rollback(snapID, &res)
			}
		}
	}()

	s.log.Info("processing %s (%s, priority %d)", opp.ID, opp.Type, opp.Priority)

	// Generate.
	res.Stage = StageGenerating
	imp, err := s.deps.Generator.Generate(ctx, opp)
	if err != nil {
		res.Message = fmt.Sprintf("generation failed: %v", err)
		res.Stage = StageRejected
		return res
	}
	if imp == nil {
		res.Message = "generator produced no usable change"
		res.Stage = StageRejected
		return res
	}
	res.Title = imp.Title

	// Validate syntax before anything touches the tree.
	res.Stage = StageValidating
	if ok, problems := s.deps.Generator.Validate(imp); !ok {
		res.Message = fmt.Sprintf("validation rejected: %v", problems)
		res.Stage = StageRejected
		return res
	}

	// Snapshot the files the change will touch.
	res.Stage = StageSnapshotting
	snapID, err = s.deps.Snapshots.Create("before "+imp.Title, snapshot.TouchedPaths(imp))
	if err != nil {
		res.Message = fmt.Sprintf("snapshot failed: %v", err)
		return res
	}
	res.SnapshotID = snapID

	// Apply.
	res.Stage = StageApplying
	applied, err := s.deps.Snapshots.Apply(imp)
	res.ChangesApplied = applied
	if err != nil {
		res.Message = fmt.Sprintf("apply failed after %d changes: %v", applied, err)
		s.rollback(snapID, &res)
		return res
	}

	// Verify in the sandbox.
	if imp.VerificationScript != "" {
		res.Stage = StageVerifying
		files := s.stagedFiles(imp)
		vr, err := s.deps.Sandbox.Run(ctx, imp.VerificationScript, files)
		if err != nil {
			res.Message = fmt.Sprintf("sandbox failed: %v", err)
			s.rollback(snapID, &res)
			return res
		}
		if !vr.Passed {
			if vr.TimedOut {
				res.Message = fmt.Sprintf("verification timed out: %s", vr.Error)
			} else {
				res.Message = fmt.Sprintf("verification failed (exit %d)", vr.ExitCode)
			}
			s.rollback(snapID, &res)
			return res
		}
	}

	// Keep it: the snapshot is no longer a rollback point.
	res.Stage = StageCommitting
	if err := s.deps.Snapshots.Commit(snapID); err != nil {
		s.log.Error("failed to commit snapshot %s: %v", snapID, err)
	}
	if s.cfg.SnapshotRetention > 0 {
		if err := s.deps.Snapshots.Prune(s.cfg.SnapshotRetention); err != nil {
			s.log.Error("snapshot prune failed: %v", err)
		}
	}

	res.Success = true
	res.Message = fmt.Sprintf("applied: %s", imp.Title)

	// Publish. Failures here never undo the applied change.
	if s.deps.Publisher != nil {
		res.Stage = StagePublishing
		pub := s.deps.Publisher.PublishImprovement(ctx, imp.Title, imp.Description, imp.ID, s.relPaths(imp))
		res.Publish = &pub
		if !pub.Success {
			res.Message += fmt.Sprintf(" (publish failed: %s)", pub.Error)
		} else if !pub.Pushed && pub.CommitHash != "" {
			res.Message += fmt.Sprintf(" (committed %s, not pushed)", pub.CommitHash)
		}
	}

	res.Stage = StageDone
	s.log.Info("completed %s: %s", opp.ID, res.Message)
	return res
}

// rollback restores the snapshot and marks the result. A rollback
// failure is the worst case the pipeline knows: it is logged loudly and
// surfaced in the message, never swallowed. The stage only advances to
// the ROLLED_BACK terminal when the restore actually succeeded.
func (s *Scheduler) rollback(snapID string, res *Result) {
	if err := s.deps.Snapshots.RollbackTo(snapID); err != nil {
		s.log.Error("ROLLBACK FAILED for snapshot %s: %v", snapID, err)
		res.Message += fmt.Sprintf("; rollback FAILED: %v", err)
		return
	}
	res.RolledBack = true
	res.Stage = StageRolledBack
	res.Message += "; rolled back"
}

// stagedFiles maps an improvement's surviving files to their new content
// for the sandbox working directory, keyed by project-root-relative path
// so the verification script sees the same layout the generator proposed.
func (s *Scheduler) stagedFiles(imp *generation.Improvement) map[string]string {
	files := make(map[string]string)
	for _, ch := range imp.Changes {
		if ch.Kind == generation.KindDelete {
			continue
		}
		name := ch.Path
		if s.cfg.ProjectRoot != "" {
			if rel, err := filepath.Rel(s.cfg.ProjectRoot, ch.Path); err == nil {
				name = rel
			}
		}
		files[filepath.ToSlash(name)] = ch.NewContent
	}
	return files
}

// relPaths returns project-root-relative paths for publish output.
func (s *Scheduler) relPaths(imp *generation.Improvement) []string {
	var out []string
	for _, p := range snapshot.TouchedPaths(imp) {
		if s.cfg.ProjectRoot != "" {
			if rel, err := filepath.Rel(s.cfg.ProjectRoot, p); err == nil {
				out = append(out, rel)
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
