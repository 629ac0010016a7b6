package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wilhg/ckptviz/pkg/api"
	"github.com/wilhg/ckptviz/pkg/logging"
	tracing "github.com/wilhg/ckptviz/pkg/otel"
	"github.com/wilhg/ckptviz/pkg/replay"
	"github.com/wilhg/ckptviz/pkg/session"
	"github.com/wilhg/ckptviz/pkg/store"
	"github.com/wilhg/ckptviz/pkg/store/memstore"
	"github.com/wilhg/ckptviz/pkg/store/sqlstore"
	"github.com/wilhg/ckptviz/pkg/transport/wsclient"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

type config struct {
	server      string
	addr        string
	databaseURL string
	sessionID   string
	logLevel    string
	logFormat   string
	traceStdout bool
	replayFile  string
	recordFile  string
}

func main() {
	var showVersion bool
	var cfg config

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&cfg.server, "server", getEnv("CKPTVIZ_SERVER", "ws://127.0.0.1:3496"), "orchestrator websocket url")
	flag.StringVar(&cfg.addr, "addr", getEnv("CKPTVIZ_ADDR", "127.0.0.1:8080"), "http listen address")
	flag.StringVar(&cfg.databaseURL, "db", getEnv("DATABASE_URL", ""), "snapshot archive database (empty keeps it in memory)")
	flag.StringVar(&cfg.sessionID, "session", getEnv("CKPTVIZ_SESSION", ""), "session id to resume")
	flag.StringVar(&cfg.logLevel, "log-level", getEnv("CKPTVIZ_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.StringVar(&cfg.logFormat, "log-format", getEnv("CKPTVIZ_LOG_FORMAT", "text"), "text or json")
	flag.BoolVar(&cfg.traceStdout, "trace-stdout", false, "export traces to stdout")
	flag.StringVar(&cfg.replayFile, "replay", "", "replay a capture file, print the final graph and exit")
	flag.StringVar(&cfg.recordFile, "record", "", "write every inbound frame to this capture file on exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("ckptviz %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	logger, err := logging.New(os.Stderr, logging.Config{Level: cfg.logLevel, Format: cfg.logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.replayFile != "" {
		err = runReplay(ctx, cfg.replayFile, os.Stdout)
	} else {
		err = run(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("ckptviz failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	shutdown, err := tracing.Init(ctx, tracing.Config{ServiceName: "ckptviz", ServiceVersion: version, UseStdout: cfg.traceStdout})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	archive, closeArchive, err := openArchive(ctx, cfg.databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = closeArchive() }()

	client, err := wsclient.Dial(ctx, cfg.server, wsclient.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	opts := []session.Option{session.WithLogger(logger), session.WithArchive(archive)}
	if cfg.sessionID != "" {
		opts = append(opts, session.WithSessionID(cfg.sessionID))
	}
	sess := session.New(client, opts...)
	if err := sess.Resume(ctx); err != nil {
		return err
	}
	logger.Info("session started", "session_id", sess.ID(), "server", cfg.server)

	server := &http.Server{Addr: cfg.addr, Handler: api.NewHandler(sess, api.WithLogger(logger)), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("api listening", "addr", cfg.addr)

	var d wsclient.Dispatcher = sess
	var rec *replay.Recorder
	if cfg.recordFile != "" {
		rec = replay.NewRecorder(sess.ID(), sess)
		d = rec
	}
	runErr := client.Run(ctx, d)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := <-serveErr; err != nil && runErr == nil {
		runErr = err
	}
	if rec != nil {
		if err := writeCapture(cfg.recordFile, rec); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// openArchive picks sqlstore when a database is configured and memstore otherwise.
func openArchive(ctx context.Context, databaseURL string) (store.ArchiveStore, func() error, error) {
	if databaseURL == "" {
		return memstore.New(), func() error { return nil }, nil
	}
	st, err := sqlstore.Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

func runReplay(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	capture, err := replay.Load(f)
	if err != nil {
		return err
	}
	g, err := replay.Run(ctx, capture)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}

func writeCapture(path string, rec *replay.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := rec.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
