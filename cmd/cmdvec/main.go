package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/cmdvec/internal/app"
	"github.com/abdul-hamid-achik/cmdvec/internal/config"
	"github.com/abdul-hamid-achik/cmdvec/internal/embed"
	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/index"
	"github.com/abdul-hamid-achik/cmdvec/internal/logging"
	"github.com/abdul-hamid-achik/cmdvec/internal/mcp"
	"github.com/abdul-hamid-achik/cmdvec/internal/search"
	"github.com/abdul-hamid-achik/cmdvec/internal/version"
	"github.com/abdul-hamid-achik/cmdvec/internal/web"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if remediation := errs.RemediationOf(err); remediation != "" {
			fmt.Fprintf(os.Stderr, "Fix: %s\n", remediation)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cmdvec",
	Short:   "Semantic search over a toolkit command catalog",
	Version: version.Full(),
	Long: `cmdvec indexes a catalog of toolkit commands and their usage examples
into a local vector store and answers queries with a hybrid of exact
command-name matching and semantic similarity.

Embeddings come from a local worker process; when it is unavailable
cmdvec falls back to deterministic embeddings instead of failing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cmdvec %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize cmdvec in the current directory",
	Long: `Initialize a new cmdvec project in the current directory.
This writes cmdvec.yaml and creates the .cmdvec data directory.`,
	RunE: runInit,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the command catalog",
	Long: `Embed every command and example from the configured source and write
them to the vector store. Records that no longer exist are removed.`,
	RunE: runIndex,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search commands and examples",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API or MCP server",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collection and embedding status",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every indexed command and example",
	Long: `Reset the collection by deleting all points.
This is a destructive operation and cannot be undone.

Use --force to skip the confirmation prompt.`,
	RunE: runReset,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-index when source files change",
	RunE:  runWatch,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the embedding worker runtime and dependencies",
	RunE:  runDoctor,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.SetVersionTemplate("cmdvec version {{.Version}}\n")

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	initCmd.Flags().Bool("force", false, "overwrite existing configuration")

	indexCmd.Flags().Bool("no-worker", false, "index with fallback embeddings only")

	searchCmd.Flags().IntP("limit", "n", 0, "maximum number of results (default from config)")
	searchCmd.Flags().StringP("format", "f", "default", "output format (default, json, compact)")
	searchCmd.Flags().String("version", "", "filter by toolkit version")
	searchCmd.Flags().StringP("type", "t", "", "filter by point type (command, example)")
	searchCmd.Flags().Bool("exclude-deprecated", false, "hide deprecated commands")
	searchCmd.Flags().String("context", "", "extra context appended to the query")

	serveCmd.Flags().IntP("port", "p", 0, "server port (default from config)")
	serveCmd.Flags().String("host", "", "server host (default from config)")
	serveCmd.Flags().Bool("mcp", false, "start MCP server (stdio)")
	serveCmd.Flags().Bool("web", false, "start web server")
	serveCmd.Flags().Bool("no-warmup", false, "skip query-embedding warmup")

	statusCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	resetCmd.Flags().Bool("force", false, "skip confirmation prompt")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig resolves the project directory and loads its configuration.
// Outside a project the working directory and defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")

	projectDir, err := config.FindProjectRoot()
	if err != nil {
		if projectDir, err = os.Getwd(); err != nil {
			return nil, errs.Wrap(err, errs.CodeConfigLoadReadFailure, "get working directory")
		}
	}
	if configFile != "" {
		projectDir = filepath.Dir(config.ExpandPath(configFile))
	}
	return config.Load(projectDir, configFile)
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, level, cfg.Log.Format)
}

// openApp loads config and builds the app. When start is set the
// embedding worker is launched; a start failure leaves the app degraded.
func openApp(ctx context.Context, cmd *cobra.Command, start bool) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "create data directory", errs.Field("path", cfg.DataDir))
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if start {
		if err := a.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: embedding worker unavailable, using %s fallback: %v\n", cfg.Embedding.Fallback, err)
		}
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(cwd, config.DefaultDataDir)
	cfg.Source.Path = filepath.Join(cwd, cfg.Source.Path)

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(cwd, config.DefaultConfigFile)
	if force {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}
	path, written, err := cfg.WriteDefaultConfig(cwd)
	if err != nil {
		return err
	}

	if written {
		fmt.Printf("Initialized cmdvec in %s\n", cwd)
		fmt.Printf("  Config: %s\n", path)
	} else {
		fmt.Printf("cmdvec already initialized in %s. Use --force to overwrite %s.\n", cwd, config.DefaultConfigFile)
	}
	fmt.Printf("  Data:   %s\n", cfg.DataDir)
	fmt.Printf("\nPut command records (JSON or YAML) under %s, then run 'cmdvec index'.\n", cfg.Source.Path)
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	noWorker, _ := cmd.Flags().GetBool("no-worker")
	a, err := openApp(ctx, cmd, !noWorker)
	if err != nil {
		return err
	}
	defer a.Close()

	verbose, _ := cmd.Flags().GetBool("verbose")
	a.SetProgressCallback(func(p index.Progress) {
		if verbose {
			fmt.Fprintf(os.Stderr, "\r  %s (%d/%d commands, %d errors)", p.Current, p.Processed, p.Total, p.Errors)
		}
	})

	status := a.EmbeddingStatus()
	fmt.Printf("Indexing %s...\n", a.Config().Source.Path)
	fmt.Printf("  Model: %s (%s)\n", status.Model, status.Backend)

	result, err := a.Sync(ctx)
	if verbose {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nIndexing complete:\n")
	fmt.Printf("  Commands indexed: %d/%d\n", result.Indexed, result.Total)
	fmt.Printf("  Examples indexed: %d\n", result.Examples)
	fmt.Printf("  Removed: %d\n", result.Deleted)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(100*time.Millisecond))

	if len(result.Failures) > 0 {
		fmt.Printf("\nWarnings: %d\n", len(result.Failures))
		if verbose {
			for _, f := range result.Failures {
				fmt.Printf("  - %s: %s\n", f.ID, f.Error)
			}
		}
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	outputFormat, ok := search.ParseFormat(format)
	if !ok {
		return errs.New(errs.CodeSearchQueryInvalid, "unknown output format",
			errs.Field("format", format), errs.Remediation("use default, json, or compact"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := search.Options{}
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	opts.Version, _ = cmd.Flags().GetString("version")
	opts.Type, _ = cmd.Flags().GetString("type")
	opts.ExcludeDeprecated, _ = cmd.Flags().GetBool("exclude-deprecated")
	opts.Context, _ = cmd.Flags().GetString("context")

	results, err := a.Search(ctx, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}

	fmt.Print(search.FormatResults(results, outputFormat))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	mcpMode, _ := cmd.Flags().GetBool("mcp")
	webMode, _ := cmd.Flags().GetBool("web")
	noWarmup, _ := cmd.Flags().GetBool("no-warmup")

	// Default to web mode if neither is specified
	if !mcpMode && !webMode {
		webMode = true
	}
	if mcpMode && webMode {
		return errs.New(errs.CodeConfigValidateInvalidValue, "cannot serve --mcp and --web at once",
			errs.Remediation("run one cmdvec serve process per transport"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !noWarmup {
		go func() {
			if err := a.Warmup(ctx); err != nil {
				a.Logger().Warn("warmup failed", "error", err)
			}
		}()
	}

	if mcpMode {
		return mcp.NewServer(mcp.ServerConfig{Service: a, Logger: a.Logger()}).Run(ctx)
	}

	cfg := a.Config()
	if host == "" {
		host = cfg.Server.Host
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	server := web.NewServer(web.ServerConfig{
		Host:    host,
		Port:    port,
		Service: a,
		Logger:  a.Logger(),
	})

	fmt.Printf("Starting web server on http://%s\n", server.Addr())
	fmt.Printf("  Collection: %s\n", cfg.Collection)
	return server.ListenAndServe(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.Status(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	c := status.Collection
	fmt.Printf("Collection: %s (%s)\n", c.Collection, c.Status)
	fmt.Printf("  Vectors:    %d (%d commands, %d examples)\n", c.VectorCount, c.Commands, c.Examples)
	fmt.Printf("  Dimension:  %d, metric: %s\n", c.Dimension, c.Metric)
	if len(c.IndexedFields) > 0 {
		fmt.Printf("  Indexed:    %s\n", strings.Join(c.IndexedFields, ", "))
	}
	fmt.Printf("  Data dir:   %s\n", status.DataDir)
	fmt.Printf("  Source:     %s\n", status.Source)

	e := status.Embedding
	fmt.Printf("\nEmbedding:\n")
	fmt.Printf("  Model:      %s (%d dims)\n", e.Model, e.Dimensions)
	fmt.Printf("  Backend:    %s (%s)\n", e.Backend, e.State)
	if e.LastError != "" {
		fmt.Printf("  Last error: %s\n", e.LastError)
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// Confirmation prompt unless --force is used
	if !force {
		fmt.Printf("WARNING: This will delete ALL points in collection %s\n", a.Config().Collection)
		fmt.Printf("This action cannot be undone.\n\n")
		fmt.Printf("Type 'yes' to confirm: ")

		var confirmation string
		_, _ = fmt.Scanln(&confirmation)
		if confirmation != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	if err := a.Reset(ctx); err != nil {
		return err
	}

	fmt.Println("Collection reset complete. All indexed data has been cleared.")
	fmt.Println("Run 'cmdvec index' to re-index the command catalog.")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d commands and %d examples. Watching %s for changes...\n",
		result.Indexed, result.Examples, a.Config().Source.Path)

	watcher, err := a.Watch(ctx)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-watcher.Done():
	}
	fmt.Println("\nStopping watcher...")
	return watcher.Stop()
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := embed.Diagnose(ctx, nil, cfg.Embedding.Runtime, embed.DefaultRequiredModules)
	fmt.Print(d.String())
	if !d.OK() {
		fmt.Printf("\ncmdvec will use the %s fallback embedder until these are fixed.\n", cfg.Embedding.Fallback)
		return d.Err()
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.File != "" {
		fmt.Printf("# %s\n", cfg.File)
	} else {
		fmt.Println("# defaults (no config file found)")
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
