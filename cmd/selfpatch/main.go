package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"selfpatch/internal/analysis"
	"selfpatch/internal/config"
	"selfpatch/internal/generation"
	"selfpatch/internal/gitops"
	"selfpatch/internal/history"
	"selfpatch/internal/improve"
	"selfpatch/internal/logging"
	"selfpatch/internal/reasoning"
	"selfpatch/internal/sandbox"
	"selfpatch/internal/snapshot"
	"selfpatch/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "selfpatch",
	Short: "selfpatch - self-improvement pipeline for autonomous coding agents",
	Long: `selfpatch watches an agent's task history, finds recurring failures,
slow tools, and unserved requests, and proposes code changes to fix them.
Every change is snapshotted before apply, verified in an isolated sandbox,
and rolled back byte-for-byte if verification fails. Surviving changes are
committed to version control.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		workspace, err = filepath.Abs(workspace)
		if err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}

		cfg, err = config.Load(config.ConfigPath(workspace))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// daemonCmd runs the scheduler loop until interrupted
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the improvement scheduler in the background",
	Long: `Starts the scheduler loop. Every tick it checks whether the host agent
has been idle long enough, then runs one improvement cycle honoring the
cooldown. Stop with SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

// improveCmd forces one improvement cycle now
var improveCmd = &cobra.Command{
	Use:   "improve",
	Short: "Force an improvement cycle immediately",
	Long: `Runs one improvement cycle right now, skipping the idle check.
The cooldown still applies: a cycle that ran too recently is rejected
with the remaining wait time.`,
	RunE: runImprove,
}

// recordCmd appends a task record (called by the host agent per task)
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a completed task in the history",
	RunE:  runRecord,
}

var (
	recordTaskID   string
	recordRequest  string
	recordTools    []string
	recordSuccess  bool
	recordError    string
	recordDuration time.Duration
)

// historyCmd shows recent improvement results
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent improvement results",
	RunE:  runHistory,
}

var historyLimit int

// statusCmd summarizes pipeline state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status",
	RunE:  runStatus,
}

// analyzeCmd prints current opportunities without acting on them
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "List current improvement opportunities",
	RunE:  runAnalyze,
}

// pipeline bundles the wired components.
type pipeline struct {
	recorder  *history.Recorder
	results   *store.ResultStore
	scheduler *improve.Scheduler
	snapshots *snapshot.Manager
	runner    *sandbox.Runner
	publisher *gitops.Publisher
}

func (p *pipeline) close() {
	if p.results != nil {
		p.results.Close()
	}
}

// buildPipeline is the composition root: every component is constructed
// here and handed its dependencies explicitly.
func buildPipeline(requireLLM bool) (*pipeline, error) {
	stateDir := config.StateDir(workspace)

	recorder, err := history.NewRecorder(filepath.Join(stateDir, "task_history.json"), cfg.Improvement.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("open task history: %w", err)
	}

	results, err := store.NewResultStore(filepath.Join(stateDir, "improvements.db"))
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}

	snapshots, err := snapshot.NewManager(filepath.Join(stateDir, "snapshots"))
	if err != nil {
		results.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	analyzer := analysis.NewAnalyzer(recorder)
	analyzer.SetWindow(cfg.AnalysisWindow())

	if requireLLM && cfg.LLM.APIKey == "" {
		results.Close()
		return nil, errors.New("LLM API key not configured (set GEMINI_API_KEY or SELFPATCH_API_KEY)")
	}
	client := reasoning.NewGeminiClientWithConfig(reasoning.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.GetLLMTimeout(),
	})
	generator := generation.NewGenerator(client, workspace)

	runner := sandbox.NewRunner(sandbox.Config{
		Image:          cfg.Sandbox.Image,
		Timeout:        cfg.SandboxTimeout(),
		Memory:         cfg.Sandbox.MemoryLimit,
		CPUs:           cfg.Sandbox.CPULimit,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	})

	var publisher *gitops.Publisher
	if cfg.Git.Enabled {
		publisher = gitops.NewPublisher(workspace, cfg.GitTimeout())
		if err := publisher.Check(context.Background()); err != nil {
			// A broken git setup is a configuration problem, reported
			// once here; publishing is disabled rather than failing
			// every cycle.
			logger.Warn("git publishing disabled", zap.Error(err))
			publisher = nil
		}
	}

	schedCfg := improve.Config{
		Tick:              cfg.Tick(),
		IdleThreshold:     cfg.IdleThreshold(),
		Cooldown:          cfg.Cooldown(),
		MaxPerCycle:       cfg.Improvement.MaxPerCycle,
		RetryLookback:     cfg.RetryLookback(),
		SnapshotRetention: cfg.Improvement.SnapshotRetention,
		ProjectRoot:       workspace,
	}
	scheduler := improve.NewScheduler(improve.Deps{
		Analyzer:  analyzer,
		Generator: generator,
		Snapshots: snapshots,
		Sandbox:   runner,
		Publisher: publisher,
		Results:   results,
	}, schedCfg)

	return &pipeline{
		recorder:  recorder,
		results:   results,
		scheduler: scheduler,
		snapshots: snapshots,
		runner:    runner,
		publisher: publisher,
	}, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(true)
	if err != nil {
		return err
	}
	defer p.close()

	p.scheduler.SetResultCallback(func(res improve.Result) {
		logger.Info("improvement attempt",
			zap.String("opportunity", res.OpportunityID),
			zap.Bool("success", res.Success),
			zap.String("stage", res.Stage.String()),
			zap.String("message", res.Message))
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := p.scheduler.Start(ctx); err != nil {
		return err
	}

	logger.Info("daemon running",
		zap.String("workspace", workspace),
		zap.Bool("docker", p.runner.DockerAvailable()),
		zap.Bool("git", p.publisher != nil))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	p.scheduler.Stop()
	return nil
}

func runImprove(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(true)
	if err != nil {
		return err
	}
	defer p.close()

	results, err := p.scheduler.ForceImprove(cmd.Context())
	if err != nil {
		var cd *improve.CooldownError
		if errors.As(err, &cd) {
			fmt.Printf("cooldown active, try again in %s\n", cd.Remaining.Round(time.Second))
			return nil
		}
		return err
	}

	if len(results) == 0 {
		fmt.Println("no improvement opportunities found")
		return nil
	}
	for _, res := range results {
		status := "FAILED"
		if res.Success {
			status = "ok"
		}
		fmt.Printf("[%s] %s (%s): %s\n", status, res.OpportunityID, res.Stage, res.Message)
	}
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	if recordTaskID == "" || recordRequest == "" {
		return errors.New("--task-id and --request are required")
	}

	stateDir := config.StateDir(workspace)
	recorder, err := history.NewRecorder(filepath.Join(stateDir, "task_history.json"), cfg.Improvement.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open task history: %w", err)
	}

	return recorder.Record(history.TaskRecord{
		TaskID:       recordTaskID,
		Request:      recordRequest,
		ToolsUsed:    recordTools,
		Success:      recordSuccess,
		ErrorMessage: recordError,
		DurationMS:   recordDuration.Milliseconds(),
		Timestamp:    time.Now(),
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	stateDir := config.StateDir(workspace)
	results, err := store.NewResultStore(filepath.Join(stateDir, "improvements.db"))
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer results.Close()

	recs, err := results.Recent(historyLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no improvement results recorded")
		return nil
	}
	for _, rec := range recs {
		status := "FAILED"
		if rec.Success {
			status = "ok"
		}
		line := fmt.Sprintf("%s  [%s] %s (%s): %s",
			rec.CreatedAt.Local().Format("2006-01-02 15:04"), status, rec.OpportunityID, rec.Stage, rec.Message)
		if rec.CommitHash != "" {
			line += fmt.Sprintf("  commit=%s pushed=%v", rec.CommitHash, rec.Pushed)
		}
		fmt.Println(line)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(false)
	if err != nil {
		return err
	}
	defer p.close()

	total, _ := p.results.Count()
	snaps, _ := p.snapshots.List()

	fmt.Printf("workspace:        %s\n", workspace)
	fmt.Printf("task records:     %d\n", p.recorder.Len())
	fmt.Printf("results recorded: %d\n", total)
	fmt.Printf("snapshots:        %d\n", len(snaps))
	fmt.Printf("docker sandbox:   %v\n", p.runner.DockerAvailable())
	fmt.Printf("git publishing:   %v\n", p.publisher != nil)
	if rem := p.scheduler.CooldownRemaining(); rem > 0 {
		fmt.Printf("cooldown:         %s remaining\n", rem.Round(time.Second))
	} else {
		fmt.Printf("cooldown:         ready\n")
	}
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	stateDir := config.StateDir(workspace)
	recorder, err := history.NewRecorder(filepath.Join(stateDir, "task_history.json"), cfg.Improvement.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open task history: %w", err)
	}

	analyzer := analysis.NewAnalyzer(recorder)
	analyzer.SetWindow(cfg.AnalysisWindow())

	opps := analyzer.Analyze()
	if len(opps) == 0 {
		fmt.Println("no improvement opportunities found")
		return nil
	}
	for _, opp := range opps {
		fmt.Printf("[p%d] %s (%s): %s\n", opp.Priority, opp.ID, opp.Type, opp.Description)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "project workspace (default: cwd)")

	recordCmd.Flags().StringVar(&recordTaskID, "task-id", "", "task identifier")
	recordCmd.Flags().StringVar(&recordRequest, "request", "", "the task request text")
	recordCmd.Flags().StringSliceVar(&recordTools, "tools", nil, "tools used, in order")
	recordCmd.Flags().BoolVar(&recordSuccess, "success", false, "whether the task succeeded")
	recordCmd.Flags().StringVar(&recordError, "error", "", "error message on failure")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "task duration (e.g. 2.5s)")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of results to show")

	rootCmd.AddCommand(daemonCmd, improveCmd, recordCmd, historyCmd, statusCmd, analyzeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
