package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	"github.com/nats-io/nats.go"

	config "github.com/avvvet/ttt-services/configs"
	"github.com/avvvet/ttt-services/internal/comm"
	mongodb "github.com/avvvet/ttt-services/internal/db"
	"github.com/avvvet/ttt-services/internal/gamesvc/broker"
	gameconfig "github.com/avvvet/ttt-services/internal/gamesvc/config"
	"github.com/avvvet/ttt-services/internal/gamesvc/db"
	handlers "github.com/avvvet/ttt-services/internal/gamesvc/handlers"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	"github.com/avvvet/ttt-services/internal/gamesvc/store"
	"github.com/avvvet/ttt-services/internal/gamesvc/ws"
	natsconn "github.com/avvvet/ttt-services/internal/nats"
	log "github.com/sirupsen/logrus"
)

const SERVICE_NAME = "game"

var instanceId string

func init() {
	config.LoadEnv(SERVICE_NAME)
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId[:8])
}

func main() {
	cfg, err := gameconfig.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// pg connection
	dbpool, err := db.Connect(cfg.DBUrl)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.ClosePool()
	log.Printf("pg connection established successfully")

	userStore := store.NewUserStore(dbpool)
	gameStore := store.NewGameStore(dbpool)
	moveStore := store.NewMoveStore(dbpool)

	// finished games are archived for replay when mongo is configured
	var archive service.ArchiveRepository
	if cfg.MongoURI != "" {
		client, database, err := mongodb.ConnectToDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer client.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		archiveStore, err := store.NewArchiveStore(ctx, database, cfg.ArchiveTTL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to prepare game archive: %v", err)
		}
		archive = archiveStore
		log.Printf("mongo archive enabled, records kept for %s", cfg.ArchiveTTL)
	}

	userService := service.NewUserService(userStore)
	lobbyService := service.NewLobbyService(gameStore, userStore)
	gameService := service.NewGameService(gameStore, moveStore, userStore, archive)

	// Connect to NATS
	n, err := natsconn.Connect(cfg.NatsURL, cfg.NatsToken, SERVICE_NAME+"-service-"+instanceId)
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	b := broker.NewBroker(n.Conn, gameService, instanceId)
	sub, err := b.SubscribeActiveGames(comm.TopicActiveGames)
	if err != nil {
		log.Fatalf("Error: unable to subscribe to %s %v", comm.TopicActiveGames, err)
	}

	hub := ws.NewHub(lobbyService, gameService, b)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS(cfg.AllowedOrigin)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(hub, lobbyService, gameService, userService, b)
	h.EventsPerSecond = cfg.WSEventRate
	h.EventBurst = cfg.WSEventBurst
	h.Port = cfg.Port
	h.InitAuth(cfg.JWTSecret)
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	hub.Shutdown()
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}

func unsubscribe(sub *nats.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		log.Warnf("unable to unsubscribe from %s: %v", sub.Subject, err)
	}
}
