package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/warden/internal/cleanup"
	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/dispatch"
	"github.com/mattjoyce/warden/internal/ipc"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/plugins"
	"github.com/mattjoyce/warden/internal/response"
)

const shutdownGrace = 5 * time.Second

// Run is the worker subprocess entrypoint. It waits for the parent's start
// message, boots the HTTP surface and plugin loader, reports ready, and
// serves until shutdown is requested over IPC or by signal.
func Run() error {
	logger := log.WithComponent("worker")
	dec, enc := ipc.ChildChannel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	msgCh := make(chan *ipc.Message, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := dec.Next()
			if err != nil {
				readErr <- err
				return
			}
			msgCh <- msg
		}
	}()

	// Bootstrap waits for the start message.
	var cfg config.WorkerConfig
	select {
	case msg := <-msgCh:
		if msg.Type != ipc.TypeStart {
			err := fmt.Errorf("expected start message, got %q", msg.Type)
			_ = enc.Send(ipc.Error(err))
			return err
		}
		cfg = *msg.Config
	case err := <-readErr:
		if err == io.EOF {
			return fmt.Errorf("parent closed ipc channel before start")
		}
		return err
	case sig := <-sigCh:
		return fmt.Errorf("signal %v before start", sig)
	}

	logger = log.WithWorker(cfg.ID)
	logger.Info("worker starting", "url_prefix", cfg.URLPrefix, "storage", cfg.Storage)

	registry := cleanup.NewRegistry()
	internalURL, err := config.InternalWebhookURL()
	if err != nil {
		// Tolerated at bootstrap: only delayed responses need the URL.
		logger.Warn("internal webhook URL not configured", "error", err)
	}
	engine := response.NewEngine(registry, response.Options{
		InternalWebhookURL: internalURL,
		ExternalWebhookURL: config.ExternalWebhookURL(),
		Expiry:             config.WebhookExpiry(),
		ServerlessID:       config.ServerlessID(),
		Secret:             config.WebhookSecret(),
	})

	loader := plugins.NewLoader(cfg.Storage, engine)
	dispatcher := dispatch.New(loader)
	server := NewServer(cfg, loader, dispatcher)

	ln, port, err := server.Listen()
	if err != nil {
		_ = enc.Send(ipc.Error(err))
		return err
	}

	httpServer := &http.Server{
		Handler:      server.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if err := loader.Init(); err != nil {
		_ = enc.Send(ipc.Error(err))
		_ = httpServer.Close()
		return err
	}

	url := server.URL(port)
	if err := enc.Send(ipc.Ready(url, port)); err != nil {
		_ = httpServer.Close()
		return err
	}
	logger.Info("worker ready", "url", url, "port", port)

	// Serve until shutdown is requested.
	for {
		select {
		case msg := <-msgCh:
			switch msg.Type {
			case ipc.TypeShutdown:
				logger.Info("shutdown requested over ipc")
				return shutdown(server, httpServer, loader, logger)
			default:
				logger.Warn("unexpected ipc message", "type", msg.Type)
			}
		case err := <-readErr:
			if err == io.EOF {
				// Parent is gone; terminate rather than run orphaned.
				logger.Warn("ipc channel closed, shutting down")
				return shutdown(server, httpServer, loader, logger)
			}
			_ = enc.Send(ipc.Error(err))
			return shutdown(server, httpServer, loader, logger)
		case sig := <-sigCh:
			logger.Info("shutdown requested by signal", "signal", sig.String())
			return shutdown(server, httpServer, loader, logger)
		case err := <-serveErr:
			_ = enc.Send(ipc.Error(err))
			return err
		}
	}
}

// shutdown rejects new requests, drains the HTTP server, and runs plugin
// shutdown hooks.
func shutdown(server *Server, httpServer *http.Server, loader *plugins.Loader, logger *slog.Logger) error {
	server.SetShuttingDown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
		_ = httpServer.Close()
	}

	loader.ShutdownAll()
	logger.Info("worker stopped")
	return nil
}
