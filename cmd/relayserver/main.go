package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/pairlink/chat-relay/internal/history"
	"github.com/pairlink/chat-relay/internal/messaging"
	"github.com/pairlink/chat-relay/internal/metrics"
	"github.com/pairlink/chat-relay/internal/presence"
	"github.com/pairlink/chat-relay/internal/ratelimit"
	"github.com/pairlink/chat-relay/internal/relay"
	"github.com/pairlink/chat-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}

	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	// --- Message store: Postgres when configured, in-memory otherwise ---
	var store relay.MessageStore
	var db *sql.DB
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := history.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		store = history.NewPostgresStore(db)
		log.Printf("message store: postgres")
	} else {
		store = history.NewMemStore()
		log.Printf("message store: in-memory (set POSTGRES_DSN for durability)")
	}

	registry := relay.NewRegistry()
	sessionRelay := relay.New(serverName, registry, store)

	writeTimeout := 10 * time.Second
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			writeTimeout = d
		}
	}
	sessionRelay.SetWriteTimeout(writeTimeout)

	server := ws.NewServer(config, sessionRelay)

	// --- Redis: presence tracking and join rate limiting (optional) ---
	var presenceStore *presence.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		var err error
		presenceStore, err = presence.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		sessionRelay.SetPresence(presenceStore)
		server.SetLimiter(ratelimit.NewLimiter(presenceStore.Client()))
		log.Printf("presence + rate limiting: redis at %s", redisAddr)
	}

	// --- NATS: cross-instance session fan-out (optional) ---
	var bridge *messaging.Bridge
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "chat-relay-" + serverName

		var err error
		bridge, err = messaging.NewBridge(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		sessionRelay.SetBridge(bridge)
		log.Printf("cross-instance bridge: nats at %s", natsURL)
	}

	log.Printf("chat relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  write_timeout:   %s", writeTimeout)
	log.Printf("  server_name:     %s", serverName)

	// Metrics listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Run the WebSocket server; Start blocks until shutdown.
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// Close remaining connections so their relay goroutines unwind.
	for _, c := range registry.All() {
		c.Close()
	}

	if bridge != nil {
		bridge.Close()
	}
	if presenceStore != nil {
		presenceStore.Close()
	}
	if db != nil {
		db.Close()
	}

	log.Printf("relay server stopped")
}
