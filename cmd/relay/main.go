package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/store/memory"
	"github.com/whisper/relay/internal/store/postgres"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	// --- Store ---
	var (
		store chat.Store
		db    *sql.DB
	)
	switch cfg.Store {
	case config.StorePostgres:
		db, err = postgres.Open(cfg.DatabaseURL, 10)
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := postgres.RunMigrations(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		store = postgres.NewStore(db)
	default:
		log.Printf("using in-memory store, messages are lost on restart")
		store = memory.NewStore()
	}

	// --- Redis (optional) ---
	var sessionStore *session.Store
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- Presence ---
	registry := presence.NewRegistry()
	local := presence.NewLocalBroadcaster(registry)
	var broadcaster presence.Broadcaster = local

	var (
		natsClient *messaging.NATSClient
		cluster    *messaging.ClusterBroadcaster
		forwarder  *messaging.DeliveryForwarder
	)
	if cfg.NATSEnabled {
		natsClient, err = messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		cluster = messaging.NewClusterBroadcaster(natsClient, local, cfg.ServerName)
		if err := cluster.Start(); err != nil {
			log.Fatalf("failed to start presence fan-out: %v", err)
		}
		broadcaster = cluster
	}

	coordinator := delivery.NewCoordinator(store, registry, broadcaster)

	// Cross-node delivery needs both the session mirror to find a user's
	// node and NATS to reach it.
	if natsClient != nil && sessionStore != nil {
		forwarder = messaging.NewDeliveryForwarder(natsClient, sessionStore, cfg.ServerName)
		coordinator.SetForwarder(forwarder)
		if err := forwarder.Start(coordinator); err != nil {
			log.Fatalf("failed to start delivery forwarding: %v", err)
		}
	}
	rl := relay.New(coordinator)
	if limiter != nil {
		rl.SetLimiter(limiter, cfg.RateLimit)
	}

	log.Printf("Relay server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  send_queue:      %d", cfg.Server.SendQueueSize)
	log.Printf("  read_timeout:    %s", cfg.Server.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.Server.WriteTimeout)
	log.Printf("  heartbeat:       every %s, timeout %s", cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout)
	log.Printf("  store:           %s", cfg.Store)
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	if cfg.NATSEnabled {
		log.Printf("  nats_url:        %s", cfg.NATS.URL)
	} else {
		log.Printf("  nats_url:        (disabled)")
	}
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  cross_node:      %v", forwarder != nil)
	if limiter != nil {
		log.Printf("  rate_limit:      %d per %s", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	ctx := context.Background()

	dispatcher := ws.NewMessageDispatcher()
	handle := func(conn *ws.Connection, msgType string, msg interface{}) {
		rl.Handle(ctx, conn, msgType, msg)
	}
	dispatcher.Register(protocol.TypeSendMessage, handle)
	dispatcher.Register(protocol.TypeMessageRead, handle)
	dispatcher.Register(protocol.TypeOpenChat, handle)
	dispatcher.Register(protocol.TypeFetchHistory, handle)

	server := ws.NewServer(cfg.Server, sessionStore, verifier, dispatcher.Dispatch)
	server.SetHeartbeat(cfg.Heartbeat)
	server.SetOnConnect(func(conn *ws.Connection) {
		rl.Connect(ctx, conn)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		rl.Disconnect(ctx, conn)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		registry.Reset()
		if forwarder != nil {
			if err := forwarder.Stop(); err != nil {
				log.Printf("delivery forwarding stop error: %v", err)
			}
		}
		if natsClient != nil {
			if err := cluster.Stop(); err != nil {
				log.Printf("presence fan-out stop error: %v", err)
			}
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
