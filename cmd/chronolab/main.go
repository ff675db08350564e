package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chronolab/internal/chronolog"
	"chronolab/internal/config"
	"chronolab/internal/gateway"
	"chronolab/internal/guard"
	"chronolab/internal/orchestrator"
	"chronolab/internal/registry"
	"chronolab/internal/sandbox"
	"chronolab/internal/store"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Logger
	logger *zap.Logger
)

// fatalError marks integrity and configuration failures, which exit with
// code 2; ordinary step failures exit with code 1.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

var rootCmd = &cobra.Command{
	Use:   "chronolab",
	Short: "chronolab - verifiable research session orchestrator",
	Long: `chronolab runs multi-agent research plans against LLM providers with
cost/rate guarding, sandboxed execution of model-proposed code, and a
signed, hash-chained provenance log that any third party can verify.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a research plan and produce a verifiable chronolog",
	Args:  cobra.ExactArgs(1),
	RunE:  runSession,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <chronolog.jsonl>",
	Short: "Verify the hash chain and signatures of a chronolog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		var err error
		if session != "" {
			err = chronolog.VerifySession(args[0], session)
		} else {
			err = chronolog.Verify(args[0])
		}
		if err != nil {
			return fatal(err)
		}
		fmt.Println("OK: chain and signatures verified")
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <chronolog.jsonl>",
	Short: "Print a session's events in append order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		if session == "" {
			sessions, err := chronolog.Sessions(args[0])
			if err != nil {
				return fatal(err)
			}
			for _, id := range sessions {
				fmt.Println(id)
			}
			return nil
		}
		events, err := chronolog.Replay(args[0], session)
		if err != nil {
			return fatal(err)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models <models.yaml>",
	Short: "Validate and list the model catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Load(args[0])
		if err != nil {
			return fatal(err)
		}
		for _, m := range reg.Models() {
			fmt.Printf("%-24s provider=%-10s ctx=%-8d tpm=%-8d fallbacks=%v\n",
				m.ModelID, m.Provider, m.ContextWindow, m.RateLimitTPM, m.FallbackChain)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to chronolab.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().StringP("out", "o", "out", "output directory for chronolog, usage summary, and step database")
	verifyCmd.Flags().String("session", "", "verify only this session")
	replayCmd.Flags().String("session", "", "session to replay (omit to list sessions)")

	rootCmd.AddCommand(runCmd, verifyCmd, replayCmd, modelsCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("out")

	cfg := config.DefaultConfig()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fatal(err)
		}
	}

	reg, err := registry.Load(cfg.Models)
	if err != nil {
		return fatal(err)
	}
	plan, err := orchestrator.LoadPlan(args[0])
	if err != nil {
		return fatal(err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fatal(fmt.Errorf("failed to create output directory: %w", err))
	}

	keyPath := cfg.Chronolog.SigningKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(outDir, "signing.key")
	}
	signer, err := chronolog.LoadSigner(keyPath)
	if err != nil {
		return fatal(err)
	}

	log, err := chronolog.Open(chronolog.Config{
		Path:      filepath.Join(outDir, "chronolog.jsonl"),
		GitMirror: cfg.Chronolog.GitMirror,
	}, signer, logger)
	if err != nil {
		return fatal(err)
	}
	defer log.Close()

	st, err := store.Open(filepath.Join(outDir, "chronolab.db"), logger)
	if err != nil {
		return fatal(err)
	}
	defer st.Close()

	g := guard.New(guard.Config{
		Window:           config.Duration(cfg.Guard.Window),
		SessionCostLimit: cfg.Guard.SessionCostLimitUSD,
	}, logger)

	gw := gateway.New(gateway.Config{
		MaxRetries:       cfg.Gateway.MaxRetries,
		BackoffBase:      config.Duration(cfg.Gateway.BackoffBase),
		BackoffCap:       config.Duration(cfg.Gateway.BackoffCap),
		MaxAdmissionWait: config.Duration(cfg.Gateway.MaxAdmissionWait),
		DefaultMaxTokens: cfg.Gateway.DefaultMaxTokens,
	}, reg, g, gateway.NewEnvProviderSet(logger), orchestrator.AttemptRecorder{Log: log}, logger)

	sb := sandbox.New(sandbox.Config{
		Timeout:        config.Duration(cfg.Sandbox.Timeout),
		MemoryLimitMB:  cfg.Sandbox.MemoryLimitMB,
		MaxStdoutBytes: cfg.Sandbox.MaxStdoutBytes,
	}, logger)

	o := orchestrator.New(orchestrator.Config{
		MaxConcurrentSteps: cfg.Orchestrator.MaxConcurrentSteps,
		OutputDir:          outDir,
	}, gw, sb, log, g, st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := o.Run(ctx, plan)
	if err != nil {
		return fatal(err)
	}

	fmt.Printf("session %s: %s\n", res.SessionID, res.Status)
	for _, sr := range res.Steps {
		line := fmt.Sprintf("  %-20s %-10s", sr.StepID, sr.Status)
		if sr.ModelUsed != "" {
			line += fmt.Sprintf(" model=%s attempts=%d cost=$%.4f", sr.ModelUsed, sr.Attempts, sr.Cost)
		}
		if sr.Error != "" {
			line += " error=" + sr.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("total cost: $%.4f\n", res.TotalCost)
	fmt.Printf("chronolog: %s\n", filepath.Join(outDir, "chronolog.jsonl"))

	if res.Status != orchestrator.StatusSucceeded {
		return errors.New("session completed with recorded step failures")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ferr *fatalError
		if errors.As(err, &ferr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
