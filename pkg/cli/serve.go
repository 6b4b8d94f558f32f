package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/imgtrace/pkg/cli/internal/output"
	"github.com/getmockd/imgtrace/pkg/collector"
	"github.com/getmockd/imgtrace/pkg/config"
	"github.com/getmockd/imgtrace/pkg/correlate"
	"github.com/getmockd/imgtrace/pkg/logging"
	"github.com/getmockd/imgtrace/pkg/metrics"
	"github.com/getmockd/imgtrace/pkg/nativemsg"
	"github.com/getmockd/imgtrace/pkg/wsingest"
)

const shutdownTimeout = 5 * time.Second

var (
	serveConfigFile  string
	serveSource      string
	serveListen      string
	serveOutput      string
	serveTargetHost  string
	serveQuota       int
	serveMinSize     int64
	serveFilter      string
	serveRecordsDir  string
	serveSession     string
	serveMetricsAddr string
	serveExitOnReady bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the correlation engine",
	Long: `Run the correlation engine until it is interrupted or the event source ends.

Events are read from stdin using browser native messaging framing
(--source native, the default) or accepted over WebSocket on
ws://<listen>/events (--source websocket).

Records go to a new session directory (--output session), to stdout as
native messages for a separate 'imgtrace collect' host (--output native),
or to stdout as plain lines (--output text).

When launched by a browser as a native messaging host, the extra
arguments the browser passes are ignored.`,
	Example: `  # WebSocket source, records under ./records
  imgtrace serve --source websocket --target-host fbcdn.net --quota 30

  # Use a config file and stop once the quota is reached
  imgtrace serve --config imgtrace.yaml --exit-on-ready`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, serveConfigFile, applyServeFlags)
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runServe(ctx, cfg, serveEnv{
			Stdin:       cmd.InOrStdin(),
			Stdout:      cmd.OutOrStdout(),
			Logger:      logger,
			ExitOnReady: serveExitOnReady,
		})
		if err != nil {
			return err
		}

		// stdout may carry records, so the summary goes to stderr.
		if jsonOutput {
			return output.JSON(cmd.ErrOrStderr(), res)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Collected %d/%d records (%s)\n", res.Stats.Emitted, res.Stats.Quota, res.Stats.State)
		if res.SessionDir != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Session: %s\n", res.SessionDir)
		}
		return nil
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveConfigFile, "config", "c", "", "Config file (.yaml, .yml or .json)")
	f.StringVar(&serveSource, "source", "", "Event source: native or websocket")
	f.StringVar(&serveListen, "listen", "", "WebSocket listen address")
	f.StringVar(&serveOutput, "output", "", "Record output: session, native or text")
	f.StringVar(&serveTargetHost, "target-host", "", "Substring selecting relevant URLs")
	f.IntVar(&serveQuota, "quota", 0, "Number of records to collect")
	f.Int64Var(&serveMinSize, "min-size", 0, "Exclusive lower bound on Content-Length")
	f.StringVar(&serveFilter, "filter", "", "Additional expr-lang filter expression")
	f.StringVar(&serveRecordsDir, "records-dir", "", "Base directory for sessions")
	f.StringVar(&serveSession, "session", "", "Session name")
	f.StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve /metrics, /stats and /healthz on this address")
	f.BoolVar(&serveExitOnReady, "exit-on-ready", false, "Stop once the quota has been reached")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	setString := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	setString("source", &cfg.Source, serveSource)
	setString("listen", &cfg.ListenAddr, serveListen)
	setString("output", &cfg.Output, serveOutput)
	setString("target-host", &cfg.TargetHost, serveTargetHost)
	setString("filter", &cfg.FilterExpr, serveFilter)
	setString("records-dir", &cfg.RecordsDir, serveRecordsDir)
	setString("session", &cfg.Session, serveSession)
	setString("metrics-addr", &cfg.MetricsAddr, serveMetricsAddr)
	if f.Changed("quota") {
		cfg.ResponseQuota = serveQuota
	}
	if f.Changed("min-size") {
		cfg.MinImageSize = serveMinSize
	}
}

// loadConfig resolves defaults, the config file, IMGTRACE_* variables, and
// flags, in increasing precedence, then validates the result.
func loadConfig(cmd *cobra.Command, path string, applyFlags func(*cobra.Command, *config.Config)) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if applyFlags != nil {
		applyFlags(cmd, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serveEnv carries the process resources runServe works with.
type serveEnv struct {
	Stdin       io.Reader
	Stdout      io.Writer
	Logger      *slog.Logger
	ExitOnReady bool
	// OnListen, if set, is called with the bound address of each listener.
	OnListen func(name string, addr net.Addr)
}

// ServeResult summarizes a serve run.
type ServeResult struct {
	Stats      correlate.Stats `json:"stats"`
	SessionDir string          `json:"sessionDir,omitempty"`
}

func runServe(ctx context.Context, cfg *config.Config, env serveEnv) (*ServeResult, error) {
	logger := logging.OrNop(env.Logger)
	registry := metrics.NewRegistry()
	set := metrics.NewSet(registry)

	var sink correlate.Sink
	var session *collector.Session
	switch cfg.Output {
	case config.OutputSession:
		s, err := collector.Create(cfg.SessionOptions())
		if err != nil {
			return nil, err
		}
		session = s
		defer func() {
			if err := session.Close(); err != nil {
				logger.Warn("failed to close session", "dir", session.Dir(), "error", err)
			}
		}()
		sink = collector.NewWriter(s)
		logger.Info("session created", "dir", s.Dir(), "id", s.Meta().ID)
	case config.OutputNative:
		sink = nativemsg.NewSink(nativemsg.NewWriter(env.Stdout))
	default:
		sink = correlate.NewLineSink(env.Stdout)
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	opts.Sink = sink
	opts.Logger = logger
	opts.Metrics = set
	engine, err := correlate.New(opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	events := make(chan correlate.Event, correlate.EventBuffer)

	g.Go(func() error { return engine.Start(gctx) })

	g.Go(func() error {
		err := correlate.NewDispatcher(engine, logger).Run(gctx, events)
		// The source is exhausted or we are shutting down; stop the rest.
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	switch cfg.Source {
	case config.SourceWebSocket:
		ws, err := wsingest.New(wsingest.Options{Output: events, Logger: logger, Metrics: set})
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			return serveHTTP(gctx, "websocket", cfg.ListenAddr, ws, logger, env.OnListen, ws.Shutdown)
		})
	default:
		g.Go(func() error {
			defer close(events)
			return nativemsg.NewSource(nativemsg.NewReader(env.Stdin), logger, set).Run(gctx, events)
		})
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, "metrics", cfg.MetricsAddr, statusMux(registry, engine), logger, env.OnListen, nil)
		})
	}

	if env.ExitOnReady {
		g.Go(func() error {
			select {
			case <-engine.Ready():
				logger.Info("quota reached, shutting down")
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
	}

	if cfg.TargetHost == "" {
		logger.Warn("no target host configured, every URL matches")
	}
	logger.Info("engine started",
		"source", cfg.Source, "output", cfg.Output, "targetHost", cfg.TargetHost,
		"quota", cfg.ResponseQuota, "minImageSize", cfg.MinImageSize)

	err = g.Wait()
	stats := engine.Stats()
	logger.Info("engine stopped",
		"emitted", stats.Emitted, "quota", stats.Quota, "state", stats.State,
		"filtered", stats.Filtered, "pendingRequests", stats.PendingRequests,
		"pendingResponses", stats.PendingResponses)

	res := &ServeResult{Stats: stats}
	if session != nil {
		res.SessionDir = session.Dir()
	}
	return res, err
}

// serveHTTP runs handler on addr until ctx is done. onShutdown, if set,
// runs before the HTTP server shuts down, for handlers that hijack their
// connections.
func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger,
	onListen func(string, net.Addr), onShutdown func(context.Context) error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: failed to listen on %s: %w", name, addr, err)
	}
	if onListen != nil {
		onListen(name, ln.Addr())
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("listening", "server", name, "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if onShutdown != nil {
		errs = append(errs, onShutdown(shutdownCtx))
	}
	errs = append(errs, srv.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

// statusMux exposes metrics and engine state.
func statusMux(registry *metrics.Registry, engine *correlate.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = output.JSON(w, engine.Stats())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}
