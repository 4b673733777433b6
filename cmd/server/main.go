package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	store := rooms.NewStore(rooms.WithHistoryLimit(config.HistoryLimit))
	store.Seed(config.SeedRooms...)

	hub := server.NewHub(log, *config)
	hub.Attach(broker.New(log, identity.NewRegistry(), store, hub))
	go hub.Run()
	log.Info("Hub started", "rooms", store.Len())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := server.CreateServer(config.Port, server.SetupRoutes(hub))

	errChan := make(chan error, 1)
	go func() {
		if err := server.StartServer(log, httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		_ = hub.Shutdown(config.ShutdownTimeout)
		return err
	}

	if err := server.ShutdownServer(log, httpServer, config.ShutdownTimeout); err != nil {
		log.Warn("HTTP server did not stop cleanly", "error", err)
	}
	if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
		log.Warn("Hub did not stop cleanly", "error", err)
	}
	log.Info("Program stopped cleanly")
	return nil
}
