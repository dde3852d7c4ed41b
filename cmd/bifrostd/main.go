// Command bifrostd runs the Bifrost interception gateway: it loads a ward
// policy, dials a downstream tool provider, and serves an upstream facet
// that puts every tool call through the ward engine, the runechain, drift
// detection, and sink fan-out.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mchahed99/bifrost-ward/internal/bifrost"
	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/downstream"
	"github.com/mchahed99/bifrost-ward/internal/drift"
	"github.com/mchahed99/bifrost-ward/internal/livebus"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
	"github.com/mchahed99/bifrost-ward/internal/sinks"
	"github.com/mchahed99/bifrost-ward/internal/wardengine"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint proper, separated from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runGateway(stdout)
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		return runGateway(stdout)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bifrostd [command]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  (none)   Run the gateway (default)")
	fmt.Fprintln(w, "  verify   Verify the runechain and print the result")
}

// runVerify opens the configured storage adapter and checks chain
// integrity without starting the gateway, for operators auditing a
// deployment out-of-band.
func runVerify(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "bifrostd: %v\n", err)
		return 1
	}
	chain, err := openStorage(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "bifrostd: %v\n", err)
		return 1
	}
	defer chain.Close()

	result, err := chain.VerifyChain()
	if err != nil {
		fmt.Fprintf(stderr, "bifrostd: verify: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "chain valid: %v, runes verified: %d\n", result.Valid, result.VerifiedRunes)
	if !result.Valid {
		fmt.Fprintf(stdout, "break at sequence %d: %s\n", result.BrokenAtSequence, result.BrokenReason)
		return 1
	}
	return 0
}

func runGateway(stdout io.Writer) int {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("bifrostd: loading config: %v", err)
	}
	logger.Info("bifrost: config loaded", "realm", cfg.Realm, "wards", len(cfg.Wards))

	chain, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("bifrostd: opening storage: %v", err)
	}

	limiter, recorder := newRateLimiter(cfg)

	engine, err := wardengine.New(cfg, limiter)
	if err != nil {
		log.Fatalf("bifrostd: compiling wards: %v", err)
	}
	celPlugin, err := wardengine.NewCELPlugin()
	if err != nil {
		log.Fatalf("bifrostd: initializing cel plugin: %v", err)
	}
	engine.RegisterPlugin("cel_expression", celPlugin.Condition)

	ds, err := dialDownstream(ctx)
	if err != nil {
		log.Fatalf("bifrostd: dialing downstream: %v", err)
	}

	bus := livebus.New(logger)
	fanout := buildFanout(ctx, cfg, logger)

	var detector *drift.Detector
	if cfg.Drift.Enabled {
		detector = drift.NewDetector(chain, cfg.Drift)
	}

	proxy := bifrost.New(bifrost.Deps{
		Engine:     engine,
		Chain:      chain,
		Detector:   detector,
		Bus:        bus,
		Fanout:     fanout,
		Downstream: ds,
		RateLimit:  recorder,
		AIConfig:   cfg.AIAnalysis,
		ServerID:   downstreamServerID(),
		Logger:     logger.With("component", "bifrost"),
	})

	logger.Info("bifrost: ready")
	fmt.Fprintln(stdout, "bifrost: ready")

	<-ctx.Done()
	logger.Info("bifrost: shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxy.Close(closeCtx); err != nil {
		logger.Error("bifrost: shutdown error", "error", err)
		return 1
	}
	return 0
}

func loadConfig() (*config.BifrostConfig, error) {
	path := os.Getenv("BIFROST_CONFIG")
	if path == "" {
		path = "bifrost.yaml"
	}
	return config.Load(path)
}

func openStorage(cfg *config.BifrostConfig) (runechain.StorageAdapter, error) {
	switch cfg.Storage.Adapter {
	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = "runechain.db"
		}
		return runechain.OpenSQLiteAdapter(path, "bifrost")
	default:
		keyring, err := loadSigningKeyring()
		if err != nil {
			return nil, err
		}
		return runechain.NewMemoryAdapter(keyring), nil
	}
}

// loadSigningKeyring loads (or creates) the signing key under
// BIFROST_DATA_DIR, matching the durable adapter's key so an operator's
// public key stays stable across an in-memory/sqlite switch.
func loadSigningKeyring() (*runechain.KeyRing, error) {
	dataDir := os.Getenv("BIFROST_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}
	priv, _, err := runechain.LoadOrGenerateKeyFile(dataDir, "bifrost")
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	ring := runechain.NewKeyRing()
	ring.AddKey("bifrost", priv)
	return ring, nil
}

// newRateLimiter returns the rate-limit provider wired into the ward
// engine, plus the recorder the proxy calls before every evaluation. Redis
// is used when BIFROST_REDIS_ADDR is set; otherwise the in-memory limiter.
func newRateLimiter(cfg *config.BifrostConfig) (wardengine.RateLimitProvider, interface {
	Record(session, tool string)
}) {
	if addr := os.Getenv("BIFROST_REDIS_ADDR"); addr != "" {
		db, _ := strconv.Atoi(os.Getenv("BIFROST_REDIS_DB"))
		l := wardengine.NewRedisLimiter(addr, os.Getenv("BIFROST_REDIS_PASSWORD"), db)
		return l.Provider(), l
	}
	l := wardengine.NewInMemoryLimiter()
	return l.Provider(), l
}

// dialDownstream starts the downstream tool provider subprocess named by
// BIFROST_DOWNSTREAM_CMD, a space-separated command line.
func dialDownstream(ctx context.Context) (downstream.Client, error) {
	line := os.Getenv("BIFROST_DOWNSTREAM_CMD")
	if line == "" {
		return nil, fmt.Errorf("BIFROST_DOWNSTREAM_CMD is required")
	}
	parts := strings.Fields(line)
	return downstream.NewStdioClient(ctx, parts[0], parts[1:]...)
}

func downstreamServerID() string {
	if id := os.Getenv("BIFROST_SERVER_ID"); id != "" {
		return id
	}
	return "default"
}

// buildFanout registers one sink per declaration in cfg.Sinks. A sink whose
// construction fails is logged and skipped rather than aborting startup:
// a broken webhook shouldn't take down the whole gateway.
func buildFanout(ctx context.Context, cfg *config.BifrostConfig, logger *slog.Logger) *sinks.Fanout {
	fanout := sinks.NewFanout(logger)
	for _, sc := range cfg.Sinks {
		filter := sinks.NewFilter(sc.Events)
		switch sc.Type {
		case "stdout":
			fanout.Register(sinks.NewStdoutSink(os.Stdout), filter)
		case "webhook":
			fanout.Register(sinks.NewWebhookSink(sc.URL), filter)
		case "otlp":
			s, err := sinks.NewOTLPSink(ctx, sc.Endpoint)
			if err != nil {
				logger.Error("bifrost: otlp sink init failed, skipping", "error", err)
				continue
			}
			fanout.Register(s, filter)
		default:
			logger.Warn("bifrost: unknown sink type, skipping", "type", sc.Type)
		}
	}
	return fanout
}
