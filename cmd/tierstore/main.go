// Package main provides the tierstore CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/knowledge"
	"github.com/orneryd/tierstore/pkg/server"
	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/telemetry"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

var (
	logger     *zap.Logger
	configPath string
	logLevel   string
	dataDir    string
	inMemory   bool
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "tierstore",
		Short: "tierstore - trust-gated, tiered knowledge store",
		Long: `tierstore keeps knowledge records (documents, vectors, edges) behind a
trust gate: every write is scored by a pool of validators and committed,
staged for review or rejected. Records move between HOT, WARM and COLD
storage tiers by access frequency, recency and trust.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			var err error
			logger, err = buildLogger(logLevel)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search TIERSTORE_CONFIG, ./tierstore.yaml, ~/.tierstore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getEnvStr("TIERSTORE_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "Run without persistence")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tierstore v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and migration scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "Bind address (overrides config)")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().Int("rate-limit", 0, "Override server.rate_limit_per_minute (0 disables limiting)")
	serveCmd.Flags().Bool("watch", true, "Reload configuration when the config file changes")
	rootCmd.AddCommand(serveCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one tier migration sweep",
		RunE:  runSweep,
	}
	sweepCmd.Flags().Duration("timeout", 0, "Stop the sweep after this long (0 = no limit)")
	rootCmd.AddCommand(sweepCmd)

	proposeCmd := &cobra.Command{
		Use:   "propose KEY",
		Short: "Propose a mutation through the trust gate",
		Example: `  tierstore propose doc:42 --text "Badger is an LSM store" --meta lang=en
  tierstore propose vec:7 --kind vector --vector 0.1,0.2,0.3
  tierstore propose edge:1 --kind edge --source doc:1 --relation CITES --target doc:2`,
		Args: cobra.ExactArgs(1),
		RunE: runPropose,
	}
	proposeCmd.Flags().String("kind", "document", "Record kind: document, vector, edge")
	proposeCmd.Flags().String("text", "", "Document text")
	proposeCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs (empty value deletes)")
	proposeCmd.Flags().String("vector", "", "Comma separated embedding")
	proposeCmd.Flags().String("source", "", "Edge source key")
	proposeCmd.Flags().String("relation", "", "Edge relation")
	proposeCmd.Flags().String("target", "", "Edge target key")
	proposeCmd.Flags().String("caller", getEnvStr("USER", "cli"), "Caller identity recorded in history")
	proposeCmd.Flags().Int64("expect-version", 0, "Only apply if the record is at this version")
	rootCmd.AddCommand(proposeCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "fetch KEY",
		Short: "Print a record",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	})

	tierCmd := &cobra.Command{
		Use:   "tier",
		Short: "Tier listing and manual moves",
	}
	tierListCmd := &cobra.Command{
		Use:   "list TIER",
		Short: "List records in a tier (HOT, WARM, COLD)",
		Args:  cobra.ExactArgs(1),
		RunE:  runTierList,
	}
	tierListCmd.Flags().String("cursor", "", "Resume after this key")
	tierListCmd.Flags().Int("limit", knowledge.DefaultPageSize, "Page size")
	tierListCmd.Flags().Bool("all", false, "Follow cursors to the end of the tier")
	tierMoveCmd := &cobra.Command{
		Use:   "move KEY TIER",
		Short: "Move a record to a tier",
		Args:  cobra.ExactArgs(2),
		RunE:  runTierMove,
	}
	tierMoveCmd.Flags().String("reason", "manual", "Reason recorded in history")
	tierCmd.AddCommand(tierListCmd, tierMoveCmd)
	rootCmd.AddCommand(tierCmd)

	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review conflict records",
	}
	conflictsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List conflict records",
		RunE:  runConflictsList,
	}
	conflictsListCmd.Flags().String("status", "pending", "Filter: pending, approved, discarded, logged, or all")
	approveCmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Commit a staged mutation",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsApprove,
	}
	discardCmd := &cobra.Command{
		Use:   "discard ID",
		Short: "Close a staged mutation without applying it",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsDiscard,
	}
	for _, c := range []*cobra.Command{approveCmd, discardCmd} {
		c.Flags().String("reviewer", getEnvStr("USER", ""), "Reviewer identity")
	}
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired conflict records",
		RunE:  runConflictsPurge,
	}
	conflictsCmd.AddCommand(conflictsListCmd, approveCmd, discardCmd, purgeCmd)
	rootCmd.AddCommand(conflictsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "backup FILE",
		Short: "Write a snapshot of the store to FILE",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore FILE",
		Short: "Load a snapshot written by backup",
		Long:  "Load a snapshot written by backup. Run it while the server is stopped.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLogger builds a production zap logger at the given level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if getEnvStr("TIERSTORE_LOG_FORMAT", "json") == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg.Build()
}

// loadConfig resolves the config file, then applies env vars and flags.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	config.ApplyEnvVars(cfg)
	applyFlagOverrides(cfg)
	return cfg, path, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if inMemory {
		cfg.Storage.InMemory = true
	}
}

// openEngine opens the configured storage engine.
func openEngine(cfg *config.Config) (storage.Engine, error) {
	if cfg.Storage.Engine != config.EngineSQLite {
		engine, err := openBadger(cfg)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	if cfg.Storage.EncryptionPassword != "" {
		return nil, fmt.Errorf("%w: encryption at rest requires the badger engine", config.ErrConfiguration)
	}
	path := ":memory:"
	if !cfg.Storage.InMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path = filepath.Join(cfg.Storage.DataDir, storage.SQLiteFile)
	}
	engine, err := storage.NewSQLiteEngine(path)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// openBadger opens badger at the configured location, encrypted when a
// password is configured.
func openBadger(cfg *config.Config) (*storage.BadgerEngine, error) {
	opts := storage.BadgerOptions{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		LowMemory:  cfg.Storage.LowMemory,
		Logger:     logger,
	}
	if cfg.Storage.EncryptionPassword != "" {
		key, err := storage.EncryptionKeyFor(cfg.Storage.DataDir, cfg.Storage.InMemory, cfg.Storage.EncryptionPassword)
		if err != nil {
			return nil, err
		}
		opts.EncryptionKey = key
	}
	engine, err := storage.NewBadgerEngineWithOptions(opts)
	if err != nil {
		if opts.EncryptionKey != nil {
			return nil, fmt.Errorf("%w (wrong encryption password?)", err)
		}
		return nil, err
	}
	return engine, nil
}

// openStore opens the engine and the knowledge store over it. The returned
// func closes the store and flushes telemetry.
func openStore(cfg *config.Config) (*knowledge.Store, func(), error) {
	engine, err := openEngine(cfg)
	if err != nil {
		return nil, nil, err
	}
	sink := telemetry.NewZapSink(logger, cfg.Telemetry.BufferSize)
	store, err := knowledge.Open(cfg, engine,
		knowledge.WithLogger(logger),
		knowledge.WithTelemetry(sink))
	if err != nil {
		sink.Close()
		_ = engine.Close()
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
		sink.Close()
	}, nil
}

// openStoreFromFlags is loadConfig followed by openStore, for one-shot
// commands. The scheduler and server stay off.
func openStoreFromFlags() (*knowledge.Store, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Scheduler.Enabled = false
	cfg.Server.Enabled = false
	return openStore(cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("rate-limit") {
		cfg.Server.RateLimitPerMinute, _ = cmd.Flags().GetInt("rate-limit")
	}
	watch, _ := cmd.Flags().GetBool("watch")

	fmt.Printf("🚀 Starting tierstore v%s\n", version)
	if path != "" {
		fmt.Printf("   Config:        %s\n", path)
	}
	fmt.Printf("   Engine:        %s\n", cfg.Storage.Engine)
	if cfg.Storage.InMemory {
		fmt.Println("   Storage:       in-memory")
	} else {
		fmt.Printf("   Data dir:      %s\n", cfg.Storage.DataDir)
	}
	if cfg.Storage.EncryptionPassword != "" {
		fmt.Println("🔒 Database encryption enabled (AES-256)")
	}
	fmt.Printf("   Trust gate:    threshold %.2f, mode %s\n", cfg.Trust.Threshold, cfg.Trust.ConflictMode)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.StartScheduler(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if cfg.Scheduler.Enabled {
		fmt.Printf("⏱️  Migration sweeps: %s\n", cfg.Scheduler.Schedule)
	}

	if watch && path != "" {
		watcher := config.NewWatcher(path, store.Holder(), logger)
		if err := watcher.Start(); err != nil {
			fmt.Printf("⚠️  Config watcher disabled: %v\n", err)
		} else {
			defer watcher.Stop()
			fmt.Println("👀 Watching config file for changes")
		}
	}

	var httpServer *server.Server
	if cfg.Server.Enabled {
		httpServer, err = server.New(store, server.ConfigFrom(cfg.Server), logger)
		if err != nil {
			return err
		}
		httpServer.SetReloader(func() (*config.Config, error) {
			next, _, err := loadConfig()
			return next, err
		})
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		displayAddr := cfg.Server.Address
		if displayAddr == "0.0.0.0" {
			displayAddr = "localhost"
		}
		fmt.Println()
		fmt.Println("✅ tierstore is ready!")
		fmt.Println()
		fmt.Println("Endpoints:")
		fmt.Printf("  • HTTP API:     http://%s:%d/v1\n", displayAddr, cfg.Server.Port)
		fmt.Printf("  • Health:       http://%s:%d/health\n", displayAddr, cfg.Server.Port)
		fmt.Printf("  • Propose:      POST http://%s:%d/v1/mutations\n", displayAddr, cfg.Server.Port)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	<-ctx.Done()

	fmt.Println("\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			fmt.Printf("⚠️  Error stopping HTTP server: %v\n", err)
		}
	}
	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fmt.Println("🔄 Running migration sweep...")
	report, err := store.Sweep(ctx)
	if err != nil && !report.Cancelled {
		return err
	}
	for _, m := range report.Moves {
		fmt.Printf("   %-30s %s → %s (%s)\n", m.Key, m.From, m.To, m.Reason)
	}
	for _, f := range report.Failures {
		fmt.Printf("   ❌ %-27s %s\n", f.Key, f.Err)
	}
	fmt.Printf("✅ Scanned %d records: %d moved, %d unchanged, %d failed in %v\n",
		report.Scanned, report.Moved(), report.Unchanged, len(report.Failures), report.Duration.Round(time.Millisecond))
	if report.Cancelled {
		fmt.Println("⚠️  Sweep cancelled before completion; remaining keys are picked up next sweep")
	}
	return nil
}

// buildMutation assembles a mutation from propose flags.
func buildMutation(cmd *cobra.Command, key string) (*storage.Mutation, error) {
	kindFlag, _ := cmd.Flags().GetString("kind")
	kind, err := storage.ParseKind(kindFlag)
	if err != nil {
		return nil, err
	}
	meta, _ := cmd.Flags().GetStringToString("meta")

	var m *storage.Mutation
	switch kind {
	case storage.KindDocument:
		text, _ := cmd.Flags().GetString("text")
		m = storage.DocumentMutation(key, text, meta)
	case storage.KindVector:
		raw, _ := cmd.Flags().GetString("vector")
		vec, err := parseVector(raw)
		if err != nil {
			return nil, err
		}
		m = storage.VectorMutation(key, vec, meta)
	case storage.KindEdge:
		source, _ := cmd.Flags().GetString("source")
		relation, _ := cmd.Flags().GetString("relation")
		target, _ := cmd.Flags().GetString("target")
		m = storage.EdgeMutation(key, source, relation, target)
	}
	m.Caller.ID, _ = cmd.Flags().GetString("caller")
	m.Caller.Source = "cli"
	m.ExpectedVersion, _ = cmd.Flags().GetInt64("expect-version")
	return m, nil
}

func parseVector(raw string) ([]float32, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("--vector is required for vector records")
	}
	parts := strings.Split(raw, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

func runPropose(cmd *cobra.Command, args []string) error {
	m, err := buildMutation(cmd, args[0])
	if err != nil {
		return err
	}
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	receipt, err := store.ProposeMutation(cmd.Context(), m)
	if err != nil {
		if knowledge.IsRetryable(err) {
			fmt.Println("⚠️  Storage failure, safe to retry")
		}
		return err
	}
	switch receipt.Status {
	case knowledge.StatusCommitted:
		fmt.Printf("✅ Committed %s at version %d (trust %.3f)\n", receipt.Key, receipt.Version, receipt.Score)
		if len(receipt.Rejected) > 0 {
			fmt.Printf("   Partially applied, rejected claims: %s\n", strings.Join(receipt.Rejected, ", "))
		}
	case knowledge.StatusPendingReview:
		fmt.Printf("⏸️  Staged for review (score %.3f): conflict %s\n", receipt.Score, receipt.ConflictID)
	default:
		fmt.Printf("❌ Rejected (score %.3f): %s\n", receipt.Score, receipt.Reason)
		if receipt.ConflictID != "" {
			fmt.Printf("   Conflict logged: %s\n", receipt.ConflictID)
		}
	}
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	view, err := store.FetchRecord(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runTierList(cmd *cobra.Command, args []string) error {
	tier, err := storage.ParseTier(args[0])
	if err != nil {
		return err
	}
	cursor, _ := cmd.Flags().GetString("cursor")
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all")

	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	total := 0
	for {
		page, err := store.FetchByTier(cmd.Context(), tier, cursor, limit)
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			fmt.Printf("%-30s %-8s v%-4d trust %.3f  %dh/%dd\n",
				rec.Key, rec.Kind, rec.Version, rec.TrustScore, rec.AccessHourly, rec.AccessDaily)
		}
		total += len(page.Records)
		if page.NextCursor == "" {
			break
		}
		if !all {
			fmt.Printf("… more records, continue with --cursor %s\n", page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	fmt.Printf("📊 %d records in %s\n", total, tier)
	return nil
}

func runTierMove(cmd *cobra.Command, args []string) error {
	tier, err := storage.ParseTier(args[1])
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")

	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	moved, err := store.MoveTier(cmd.Context(), args[0], tier, reason)
	if err != nil {
		return err
	}
	if moved {
		fmt.Printf("✅ Moved %s to %s\n", args[0], tier)
	} else {
		fmt.Printf("ℹ️  %s is already %s\n", args[0], tier)
	}
	return nil
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	if status == "all" {
		status = ""
	}
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := store.Conflicts(cmd.Context(), storage.ConflictStatus(status))
	if err != nil {
		return err
	}
	for _, c := range list {
		fmt.Printf("%s  %-20s %-18s %-10s score %.3f  base v%d  %s\n",
			c.ID, c.Key, c.Action, c.Status, c.CombinedScore, c.BaseVersion, c.CreatedAt.Format(time.RFC3339))
		for _, v := range c.Conflicts {
			fmt.Printf("    • %-14s %.3f %s\n", v.Validator, v.Score, v.Rationale)
		}
	}
	fmt.Printf("📋 %d conflict records\n", len(list))
	return nil
}

func reviewerFlag(cmd *cobra.Command) (string, error) {
	reviewer, _ := cmd.Flags().GetString("reviewer")
	if reviewer == "" {
		return "", errors.New("--reviewer is required")
	}
	return reviewer, nil
}

func runConflictsApprove(cmd *cobra.Command, args []string) error {
	reviewer, err := reviewerFlag(cmd)
	if err != nil {
		return err
	}
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	receipt, err := store.ApproveConflict(cmd.Context(), args[0], reviewer)
	if err != nil {
		if errors.Is(err, knowledge.ErrStaleConflict) {
			fmt.Println("⚠️  The record changed since this mutation was staged; discard it and propose again")
		}
		return err
	}
	fmt.Printf("✅ Approved %s: %s now at version %d\n", args[0], receipt.Key, receipt.Version)
	return nil
}

func runConflictsDiscard(cmd *cobra.Command, args []string) error {
	reviewer, err := reviewerFlag(cmd)
	if err != nil {
		return err
	}
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := store.DiscardConflict(cmd.Context(), args[0], reviewer)
	if err != nil {
		return err
	}
	fmt.Printf("🗑️  Discarded %s for %s\n", c.ID, c.Key)
	return nil
}

func runConflictsPurge(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := store.PurgeConflicts(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("🧹 Purged %d expired conflict records\n", n)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer closeStore()

	start := time.Now()
	if err := store.Backup(args[0]); err != nil {
		return err
	}
	fmt.Printf("💾 Backup written to %s in %v\n", args[0], time.Since(start).Round(time.Millisecond))
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Engine == config.EngineSQLite {
		return fmt.Errorf("restore loads badger snapshots; for sqlite copy the backup over %s",
			filepath.Join(cfg.Storage.DataDir, storage.SQLiteFile))
	}
	cfg.Storage.SyncWrites = true
	engine, err := openBadger(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Restore(args[0]); err != nil {
		return err
	}
	keys, err := engine.AllKeys(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("✅ Restored %s: %d records\n", args[0], len(keys))
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

// getEnvStr returns environment variable or default
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
