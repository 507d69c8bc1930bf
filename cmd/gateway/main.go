// Command gateway runs the PingMe real-time messaging gateway: a WebSocket
// endpoint that authenticates clients, fans messages out to conversation
// subscribers and supervises connection liveness.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingme/gateway/pkg/auth"
	"github.com/pingme/gateway/pkg/gateway"
	"github.com/pingme/gateway/pkg/store"
)

func main() {
	configPath := flag.String("config", "~/.pingme/gateway.toml", "path to config file")
	listenAddr := flag.String("listen", "", "override listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	gateway.InitLoggers(os.Stderr)
	if *debug {
		gateway.EnableDebugLogging(os.Stderr)
	}

	config, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		config.Gateway.ListenAddr = *listenAddr
	}
	if config.Gateway.JWTSecret == "" {
		log.Fatal("No JWT secret configured (set jwt_secret in the config file or PINGME_GATEWAY_JWT_SECRET)")
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	server := gateway.NewServer(config, gateway.Deps{
		Verifier: auth.NewVerifier(config.Gateway.JWTSecret),
		Users:    db,
		Messages: db,
		Metrics:  gateway.NewMetrics(),
	})
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := server.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
