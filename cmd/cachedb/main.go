// Package main implements the cachedb binary: it serves the inspection API
// and runs one-shot commands against a local cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/cachedb/cachedb/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type globalFlags struct {
	configFile  string
	dataDir     string
	engine      string
	schemasFile string
	logLevel    string
	logFormat   string
}

func run(ctx context.Context, args []string, stdin io.Reader, out, errOut io.Writer) int {
	var g globalFlags
	fs := flag.NewFlagSet("cachedb", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	fs.StringVar(&g.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&g.dataDir, "data-dir", "", "Base directory for all data files")
	fs.StringVar(&g.engine, "engine", "", "Storage engine: badger, sqlite or memory")
	fs.StringVar(&g.schemasFile, "schemas", "", "Extra schema definitions (YAML or JSON)")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format: console or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, fs)
			return 0
		}
		fmt.Fprintln(errOut, "error:", err)
		printUsage(errOut, fs)
		return 1
	}
	if fs.NArg() == 0 {
		printUsage(out, fs)
		return 0
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	if name == "help" {
		printUsage(out, fs)
		return 0
	}
	cmd, ok := commands()[name]
	if !ok {
		fmt.Fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, fs)
		return 1
	}

	cfg, err := loadConfig(g)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	env := &env{cfg: cfg, stdin: stdin, out: out, errOut: errOut}
	return cmd.Run(ctx, env, rest)
}

// loadConfig layers the config file, environment and flags, in increasing
// priority.
func loadConfig(g globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(g.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.engine != "" {
		cfg.Engine.Type = config.EngineType(g.engine)
		cfg.Engine.Path = ""
	}
	if g.schemasFile != "" {
		cfg.SchemasFile = g.schemasFile
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	cfg.Resolve()
	return cfg, cfg.Validate()
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "cachedb - typed local object cache")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cachedb [global flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range sortedCommands() {
		fmt.Fprintln(w, c.HelpLine())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	var buf strings.Builder
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
	fmt.Fprint(w, buf.String())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  CACHEDB_DATA_DIR        Base directory for data files")
	fmt.Fprintln(w, "  CACHEDB_ENGINE_TYPE     Storage engine")
	fmt.Fprintln(w, "  CACHEDB_HTTP_ADDR       HTTP API address")
	fmt.Fprintln(w, "  CACHEDB_GRPC_ADDR       gRPC API address")
	fmt.Fprintln(w, "  CACHEDB_STORAGE_TYPE    Snapshot storage type (local, s3)")
}
