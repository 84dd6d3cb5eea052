// Command mcp-bridge runs the MCP session manager behind a JSON HTTP API.
//
// Configuration comes from the environment (see pkg/config). On first start
// the servers listed in MCPBRIDGE_SERVERS_FILE are registered; afterwards
// the persisted store is authoritative and servers that were connected at
// shutdown are reconnected.
//
//	MCPBRIDGE_STORE=sqlite MCPBRIDGE_SERVERS_FILE=servers.yaml go run ./cmd/mcp-bridge
//
// With -export the registered servers are written to a servers file and the
// command exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/config"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpapi"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
)

func main() {
	export := flag.String("export", "", "write the registered servers to this file and exit")
	flag.Parse()

	if err := run(*export); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(exportPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := mcpmgr.NewManager(store, cfg.ManagerOptions(logger))
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if exportPath != "" {
		if err := config.WriteServers(exportPath, manager.ExportServers()); err != nil {
			return err
		}
		logger.Info("servers exported", "path", exportPath, "count", len(manager.Servers()))
		return nil
	}

	if err := seedServers(ctx, cfg, manager, logger); err != nil {
		return err
	}

	report := manager.Rehydrate(ctx)
	for id, cause := range report.Demoted {
		logger.Warn("server not restored", "server", id, "error", cause)
	}
	logger.Info("rehydration finished", "restored", len(report.Restored), "demoted", len(report.Demoted))

	newChat, err := cfg.ChatFactory(ctx, manager, logger)
	if err != nil {
		return fmt.Errorf("chat backend: %w", err)
	}
	if newChat == nil {
		logger.Info("GEMINI_API_KEY not set, chat endpoints disabled")
	}

	api, err := mcpapi.NewServer(manager, &mcpapi.Options{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		NewChat:        newChat,
		ChatIdleTTL:    cfg.ChatIdleTTL,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	serveErr := api.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("manager shutdown", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("api server stopped: %w", serveErr)
	}
	logger.Info("bye")
	return nil
}

// seedServers registers the servers file entries when the store holds no
// servers yet.
func seedServers(ctx context.Context, cfg *config.Config, manager *mcpmgr.Manager, logger *slog.Logger) error {
	if cfg.ServersFile == "" || len(manager.Servers()) > 0 {
		return nil
	}
	specs, err := config.LoadServers(cfg.ServersFile)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		desc, err := manager.RegisterServer(ctx, spec)
		if err != nil {
			return fmt.Errorf("register %s: %w", spec.Name, err)
		}
		logger.Info("server registered from file", "server", desc.ID, "name", desc.DisplayName())
	}
	return nil
}
