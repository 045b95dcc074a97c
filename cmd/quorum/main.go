// quorum is a CLI for multi-persona deliberation sessions: a problem is
// decomposed into sub-problems, each deliberated by a panel of synthetic
// experts over bounded rounds, and the results are synthesized into one
// answer. Sessions checkpoint after every step and can be resumed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"quorum/internal/checkpoint"
	"quorum/internal/config"
	"quorum/internal/deliberation"
	"quorum/internal/embedding"
	"quorum/internal/engine"
	"quorum/internal/llm"
	"quorum/internal/logging"
	"quorum/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	ownerID    string
	asAdmin    bool
	jsonOut    bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "quorum - bounded multi-persona deliberation",
	Long: `quorum runs structured deliberations: a problem is decomposed into
sub-problems, each one is argued over bounded rounds by a panel of
synthetic expert personas, and the outcomes are synthesized into a
single recommendation.

Every step is checkpointed; sessions survive crashes, pause on open
questions, and resume exactly where they stopped.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath(workspace)
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return logging.Initialize(cfg.Session.StateDir, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

var startCmd = &cobra.Command{
	Use:   "start [problem statement]",
	Short: "Start a deliberation session",
	Long: `Decomposes the problem, assembles expert panels, and runs the
deliberation to completion, a pause, or a safety stop. The session id
is printed so the session can be inspected or resumed later.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused, halted, or interrupted session",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a session's progress from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var killCmd = &cobra.Command{
	Use:   "kill [session-id]",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var clarifyCmd = &cobra.Command{
	Use:   "clarify [session-id] [answer]",
	Short: "Answer a session's pending clarification question",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runClarify,
}

var killReason string
var problemContext string

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <workspace>/quorum.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "local", "acting user id")
	rootCmd.PersistentFlags().BoolVar(&asAdmin, "admin", false, "act with admin rights")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")

	startCmd.Flags().StringVar(&problemContext, "context", "", "additional problem context")
	killCmd.Flags().StringVar(&killReason, "reason", "killed from CLI", "reason recorded on the session")

	rootCmd.AddCommand(startCmd, resumeCmd, statusCmd, killCmd, clarifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildController assembles the full stack from configuration.
func buildController(events chan<- engine.Event) (*deliberation.Controller, *checkpoint.SQLiteStore, error) {
	client, err := llm.NewHTTPClient(llm.ClientConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Timeout:     config.ParseDuration(cfg.LLM.Timeout, 90*time.Second),
		Temperature: 0.7,
		MinInterval: 200 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build embedding engine: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path,
		config.ParseDuration(cfg.Checkpoint.TTL, checkpoint.DefaultTTL))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	collab := deliberation.NewLLMCollaborators(client, deliberation.DefaultPricing())
	controller, err := deliberation.NewController(deliberation.ControllerConfig{
		Collaborators: collab.Set(),
		Retry: deliberation.RetryConfig{
			MaxAttempts:    cfg.LLM.MaxRetries,
			InitialBackoff: config.ParseDuration(cfg.LLM.RetryBackoff, 2*time.Second),
			CallTimeout:    config.ParseDuration(cfg.LLM.Timeout, 90*time.Second),
		},
		Embedder:    embedder,
		Checkpoints: store,
		Guard: engine.GuardConfig{
			MaxSteps:          cfg.Safety.MaxSteps,
			MaxRoundsCap:      cfg.Safety.MaxRoundsCap,
			SubProblemTimeout: config.ParseDuration(cfg.Safety.SubProblemTimeout, time.Hour),
			CostCapUSD:        cfg.Safety.CostCapUSD,
		},
		Events: events,
		Pacing: config.ParseDuration(cfg.Session.PacingInterval, 3*time.Second),
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return controller, store, nil
}

// sessionContext returns a context that pauses the caller's running
// sessions on the first SIGINT/SIGTERM and cancels hard if a second
// arrives or the grace period runs out. Pausing goes through the
// controller by actor, so it works even while Start is still blocking
// and no session id has been printed yet.
func sessionContext(controller *deliberation.Controller) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	grace := config.ParseDuration(cfg.Session.ShutdownGrace, 5*time.Second)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		if ids := controller.PauseOwned(actor()); len(ids) > 0 {
			logger.Info("shutdown signal received, pausing sessions", zap.Strings("sessions", ids))
		} else {
			logger.Info("shutdown signal received, no running session to pause")
		}
		select {
		case <-sigCh:
		case <-time.After(grace):
		case <-ctx.Done():
			return
		}
		cancel()
	}()
	return ctx, cancel
}

func actor() deliberation.Actor {
	return deliberation.Actor{ID: ownerID, Admin: asAdmin}
}

// drainEvents logs execution events in verbose mode.
func drainEvents(events <-chan engine.Event, done <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			logger.Debug("event",
				zap.String("type", ev.Type),
				zap.String("session", ev.SessionID),
				zap.String("node", ev.Node),
				zap.Int("round", ev.Round),
				zap.String("message", ev.Message))
			if ev.Type == "contribution_ready" && !jsonOut {
				fmt.Printf("  [%s] round %d\n", ev.Message, ev.Round)
			}
		case <-done:
			return
		}
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	statement := args[0]
	for _, a := range args[1:] {
		statement += " " + a
	}

	events := make(chan engine.Event, 256)
	controller, store, err := buildController(events)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := sessionContext(controller)
	defer cancel()

	done := make(chan struct{})
	go drainEvents(events, done)
	defer close(done)

	// Watch the config file for logging changes during long sessions.
	path := configPath
	if path == "" {
		path = config.DefaultPath(workspace)
	}
	if w, werr := config.NewWatcher(path, cfg.Session.StateDir); werr == nil {
		go w.Run(ctx)
	}

	final, st, err := controller.Start(ctx, ownerID, statement, problemContext)
	if err != nil {
		return err
	}
	return report(final, st)
}

func runResume(cmd *cobra.Command, args []string) error {
	events := make(chan engine.Event, 256)
	controller, store, err := buildController(events)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := sessionContext(controller)
	defer cancel()

	done := make(chan struct{})
	go drainEvents(events, done)
	defer close(done)

	final, st, err := controller.Resume(ctx, args[0], actor())
	if err != nil {
		return err
	}
	return report(final, st)
}

func runStatus(cmd *cobra.Command, args []string) error {
	controller, store, err := buildController(nil)
	if err != nil {
		return err
	}
	defer store.Close()

	progress, err := controller.Status(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(progress)
	}
	fmt.Println(progress.String())
	if progress.PendingQuestion != "" {
		fmt.Printf("awaiting answer: %s\n", progress.PendingQuestion)
		fmt.Printf("answer with: quorum clarify %s \"...\"\n", progress.SessionID)
	}
	if progress.StopReason != "" {
		fmt.Printf("stop reason: %s %s\n", progress.StopReason, progress.StopDetail)
	}
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	controller, store, err := buildController(nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := controller.Kill(context.Background(), args[0], actor(), killReason); err != nil {
		return err
	}
	fmt.Printf("session %s killed\n", args[0])
	return nil
}

func runClarify(cmd *cobra.Command, args []string) error {
	controller, store, err := buildController(nil)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID := args[0]
	answer := args[1]
	for _, a := range args[2:] {
		answer += " " + a
	}

	if err := controller.SubmitClarification(context.Background(), sessionID, actor(), answer); err != nil {
		return err
	}
	fmt.Printf("answer recorded; continue with: quorum resume %s\n", sessionID)
	return nil
}

// report prints the session outcome: the final synthesis on completion,
// otherwise where and why the session stopped.
func report(final *types.FinalSynthesis, st *types.OrchestrationState) error {
	if jsonOut {
		if final != nil {
			return printJSON(final)
		}
		return printJSON(deliberation.ProgressOf(st, st.NextNode))
	}

	if final != nil {
		fmt.Printf("\nsession %s completed ($%.4f)\n\n%s\n", final.SessionID, final.Cost.USD, final.Text)
		for _, r := range final.Results {
			if r.Failed {
				fmt.Printf("\n[%s] unresolved: %s\n", r.SubProblemID, r.FailureReason)
			}
		}
		return nil
	}

	fmt.Printf("\nsession %s stopped: status=%s reason=%s\n", st.SessionID, st.Status, st.StopReason)
	if st.StopDetail != "" {
		fmt.Printf("detail: %s\n", st.StopDetail)
	}
	switch {
	case st.Status == types.StatusPaused && st.Clarification != nil && !st.Clarification.Answered():
		fmt.Printf("question: %s\n", st.Clarification.Question)
		fmt.Printf("answer with: quorum clarify %s \"...\" then: quorum resume %s\n", st.SessionID, st.SessionID)
	case st.Status == types.StatusPaused || st.Status == types.StatusHalted:
		fmt.Printf("resume with: quorum resume %s\n", st.SessionID)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
