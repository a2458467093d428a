// Command outpost runs the agent supervisor: HTTP API, secure WebSocket
// transport and the optional relay connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/outposthq/outpost/internal/agent/adapter"
	"github.com/outposthq/outpost/internal/api"
	"github.com/outposthq/outpost/internal/auth"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/config"
	"github.com/outposthq/outpost/internal/events"
	"github.com/outposthq/outpost/internal/project"
	"github.com/outposthq/outpost/internal/relay"
	"github.com/outposthq/outpost/internal/session"
	"github.com/outposthq/outpost/internal/supervisor"
	"github.com/outposthq/outpost/internal/transport"
	"github.com/outposthq/outpost/internal/workerqueue"
)

const externalPollInterval = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("supervisor exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	dataRoot := cfg.Data.Root()
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	bus := events.NewBus(log)
	defer bus.Close()

	readers := []session.Reader{
		session.NewClaudeReader(cfg.Agents.ClaudeProjectsDir, log),
		session.NewCodexReader(cfg.Agents.CodexSessionsDir, log),
	}
	scanner := project.NewScanner(readers, log)
	index := session.NewIndex(session.DefaultIndexTTL, log)
	metadata := session.NewMetadataStore(filepath.Join(dataRoot, "session-metadata.json"))

	adapters := adapter.NewRegistry()
	adapters.Register(adapter.NewClaudeAdapter(cfg.Agents.ClaudeBin, log))
	if cfg.Agents.ACPBin != "" {
		adapters.Register(adapter.NewACPAdapter(cfg.Agents.ACPBin, cfg.Agents.ACPArgs, log))
	}

	sup := supervisor.New(adapters, scanner, bus, log)
	queue := workerqueue.New(bus, log)

	creds := auth.NewCredentialStore(filepath.Join(dataRoot, "remote-access.json"))
	sessions := auth.NewSessionStore(
		filepath.Join(dataRoot, "remote-sessions.json"),
		cfg.Transport.SessionTTLDuration(),
	)

	// The transport is built after the router, which the relay handoff
	// needs; the closure defers the lookup until a claim arrives.
	var ts *transport.Server
	relayClient := relay.New(func(ws *websocket.Conn, first []byte) {
		ts.ServeClaimed(ws, first)
	}, log)

	router := gin.New()
	router.Use(gin.Recovery())
	handler := api.New(api.Options{
		Scanner:    scanner,
		Index:      index,
		Metadata:   metadata,
		Supervisor: sup,
		Queue:      queue,
		Creds:      creds,
		Sessions:   sessions,
		Relay:      relayClient,
		Logger:     log,
	})
	handler.Register(router)

	ts = transport.NewServer(transport.Options{
		Config:     cfg.Transport,
		Creds:      creds,
		Sessions:   sessions,
		Router:     router,
		Supervisor: sup,
		Bus:        bus,
		UploadDir:  filepath.Join(dataRoot, "uploads"),
		Logger:     log,
	})
	router.GET("/ws", ts.GinHandler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := workerqueue.NewWorker(queue, func(ctx context.Context, req *workerqueue.Request) workerqueue.Result {
		p, err := sup.StartSession(ctx, req.ProjectPath, req.ProjectID, supervisor.StartSessionOptions{
			Family:          req.Family,
			Model:           req.Model,
			ResumeSessionID: req.SessionID,
			PermissionMode:  req.Mode,
			InitialMessage:  req.Message,
		})
		if err != nil {
			return workerqueue.Result{Status: workerqueue.StatusFailed, Error: err.Error()}
		}
		return workerqueue.Result{Status: workerqueue.StatusCompleted, SessionID: p.SessionID()}
	}, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sup.RunExternalTracking(gctx, externalPollInterval)
		return nil
	})

	if cfg.Relay.Enabled {
		relayClient.Start(relay.Config{
			URL:       cfg.Relay.URL,
			Username:  cfg.Relay.Username,
			InstallID: cfg.Relay.InstallID,
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		relayClient.Stop()
		sup.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
