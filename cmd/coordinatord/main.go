// Command coordinatord runs the multi-agent coordination server: task
// queue, file-lock registry, conversation-context store, and the
// executor tool dispatcher, fronted by a REST operator API, an MCP
// tool-call transport, and a WebSocket event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/coordinatord/coordinatord/internal/config"
	"github.com/coordinatord/coordinatord/internal/coordinator"
	"github.com/coordinatord/coordinatord/internal/transport/httpapi"
	"github.com/coordinatord/coordinatord/internal/transport/mcpserver"
	"github.com/coordinatord/coordinatord/internal/transport/wsstream"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults to an in-memory, single-process configuration)")
	addr := flag.String("addr", "", "HTTP listen address, overrides the config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	coord, err := coordinator.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build coordinator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := coord.Run(ctx); err != nil {
			log.Printf("[COORDINATORD] coordinator stopped: %v", err)
		}
	}()

	restServer := httpapi.New(coord.Store, coord.Session, coord.Queue, coord.Locks, coord.RateLimit, coord.AttachSession)
	mcpTransport := mcpserver.New(coord.Dispatcher, coord.RateLimit)
	wsTransport := wsstream.New(coord.Session)

	topRouter := mux.NewRouter()
	topRouter.PathPrefix("/mcp").HandlerFunc(mcpTransport.ServeStreamableHTTP)
	topRouter.HandleFunc("/ws/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		wsTransport.ServeSession(w, r, mux.Vars(r)["id"])
	})
	topRouter.PathPrefix("/").Handler(restServer.Router())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: topRouter}

	go func() {
		<-ctx.Done()
		coord.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[COORDINATORD] listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
