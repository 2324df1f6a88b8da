// Command approval-gateway runs the human-in-the-loop gateway that sits
// between an autonomous agent loop and its model backend. It serves the
// operator panel, the event stream and the gated proxy on one address,
// and supervises the agent loop process if one is configured.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/agentpanel/approval-gateway/internal/config"
	"github.com/agentpanel/approval-gateway/internal/execbridge"
	"github.com/agentpanel/approval-gateway/internal/gateway"
	"github.com/agentpanel/approval-gateway/internal/hub"
	"github.com/agentpanel/approval-gateway/internal/ledger"
	"github.com/agentpanel/approval-gateway/internal/settings"
	"github.com/agentpanel/approval-gateway/internal/supervisor"
)

const ledgerFilename = "turns.jsonl"

func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "gateway.yaml", "path to gateway config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(*debug || cfg.Debug || os.Getenv("GATEWAY_DEBUG") != "")

	runDir, err := cfg.MakeRunDir()
	if err != nil {
		log.Fatal().Err(err).Str("base", cfg.RunBase).Msg("create run directory")
	}

	store, err := settings.NewStore(runDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init settings store")
	}
	store.Ensure()

	led, err := ledger.Open(filepath.Join(runDir, ledgerFilename))
	if err != nil {
		log.Fatal().Err(err).Msg("open turn ledger")
	}

	h := hub.New()
	h.StartHeartbeat(hub.HeartbeatInterval)

	gw := gateway.New(runDir, store, led, h)
	if len(cfg.CaptureCommand) > 0 {
		gw.Capturer = &execbridge.CommandCapturer{
			Command: cfg.CaptureCommand,
			RunDir:  runDir,
			Crop:    store.Crop,
		}
	}
	if len(cfg.ExecuteCommand) > 0 {
		gw.Executor = &execbridge.CommandExecutor{
			Command: cfg.ExecuteCommand,
			RunDir:  runDir,
		}
	}
	if len(cfg.LoopCommand) > 0 {
		gw.Supervisor = supervisor.New(cfg.LoopCommand, runDir)
		gw.Supervisor.Start()
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: gw.Handler(),
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Str("run_dir", runDir).
		Msg("approval gateway listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if gw.Supervisor != nil {
		gw.Supervisor.Stop()
	}
	h.Close()
	log.Info().Msg("goodbye")
}
