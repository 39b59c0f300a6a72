package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"social-chat/internal/account"
	"social-chat/internal/convo"
	"social-chat/internal/db"
	"social-chat/internal/directory"
	"social-chat/internal/gateway"
	myMiddleware "social-chat/internal/middleware"
	"social-chat/internal/presence"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatalf("failed to connect to DB: %v", err)
	}
	log.Println("connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("database schema initialized")

	// 3. Delivery broker: Redis pub/sub when available, in-process otherwise.
	var broker gateway.Broker
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		log.Println("connected to Redis")
		broker = gateway.NewRedisBroker(redisClient)
	} else {
		log.Println("REDIS_ADDR not set, using in-process delivery broker")
		broker = gateway.NewLocalBroker()
	}

	// 4. Accounts & auth
	accountRepo := account.NewRepository(database.Conn)
	accountService := account.NewService(accountRepo, jwtSecret)
	accountHandler := account.NewHandler(accountService)
	authMiddleware := myMiddleware.NewAuthMiddleware(accountService)

	// 5. Handle directory
	directoryRepo := directory.NewRepository(database.Conn)
	directoryService := directory.NewService(directoryRepo)
	directoryHandler := directory.NewHandler(directoryService)

	// 6. Presence + gateway
	registry := presence.NewRegistry()
	hub := gateway.NewHub(registry, broker)
	go hub.Run(ctx)
	wsHandler := gateway.NewHandler(hub, directoryService)

	// 7. Conversations (the hub is the delivery notifier for new messages)
	convoRepo := convo.NewRepository(database.Conn)
	convoService := convo.NewService(convoRepo)
	convoHandler := convo.NewHandler(convoService, directoryService, hub)

	// 8. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public
	r.Post("/register", accountHandler.Register)
	r.Post("/login", accountHandler.Login)

	// Protected (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/chat/profile", directoryHandler.GetProfile)
		r.Post("/chat/profile", directoryHandler.SetProfile)
		r.Get("/chat/search", directoryHandler.Search)

		r.Get("/chat/conversations", convoHandler.List)
		r.Post("/chat/conversations/start", convoHandler.Start)
		r.Get("/chat/conversations/{id}/messages", convoHandler.History)
		r.Post("/chat/conversations/{id}/messages", convoHandler.Append)

		// WebSocket (realtime presence + delivery)
		r.Get("/ws", wsHandler.ServeWs)
	})

	server := &http.Server{Addr: *addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("server starting on %s", *addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("server stopped")
}
