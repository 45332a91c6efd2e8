package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/mkoberg/jagdfieber-server/internal/capture"
	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/config"
	"github.com/mkoberg/jagdfieber-server/internal/detect"
	"github.com/mkoberg/jagdfieber-server/internal/handler"
	"github.com/mkoberg/jagdfieber-server/internal/queue"
	"github.com/mkoberg/jagdfieber-server/internal/rules"
	"github.com/mkoberg/jagdfieber-server/internal/sched"
	"github.com/mkoberg/jagdfieber-server/internal/store"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingJobs := queue.New(rdb, cfg.PingQueue)

	hub := ws.NewHub()
	notifier := ws.NewHubNotifier(hub)
	clk := clock.Default{}

	tracker := tracking.NewEngine(st, clk, notifier)
	ruleEngine := rules.NewEngine(st, tracker, clk, notifier)
	captureEngine := capture.NewEngine(st, ruleEngine, clk, notifier)

	boundary := detect.NewBoundaryWatcher(st, st, clk, notifier)
	proximity := detect.NewProximityWatcher(st, clk, notifier)
	stationary := detect.NewStationaryWatcher(st, clk, notifier)

	scheduler := sched.NewScheduler(st, ruleEngine, stationary, tracker, pingJobs, captureEngine, clk)
	dispatcher := sched.NewDispatcher(pingJobs, st, tracker)

	router := handler.NewRouter(tracker, captureEngine, ruleEngine, st, boundary, notifier)
	hub.OnMessage = router.HandleMessage

	go hub.Run()
	boundary.Start(ctx)
	proximity.Start(ctx)
	stationary.Start(ctx)
	scheduler.Start(ctx)
	dispatcher.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(st, hub, w, r)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	dispatcher.Stop()
	scheduler.Stop()
	stationary.Stop()
	proximity.Stop()
	boundary.Stop()
	slog.Info("server stopped")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebSocket authenticates the connection by participant ID and starts
// the pumps. Identity management itself is external; the participant row is
// the source of truth for role and game membership.
func handleWebSocket(st *store.PostgresStore, hub *ws.Hub, w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant")
	if participantID == "" {
		http.Error(w, "participant required", http.StatusBadRequest)
		return
	}
	p, err := st.GetParticipant(r.Context(), participantID)
	if err != nil {
		http.Error(w, "unknown participant", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	identity := ws.Identity{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Role:          p.Role,
		GameID:        p.GameID,
	}
	client := ws.NewClient(fmt.Sprintf("client-%d", hub.ClientCount()+1), identity, hub, conn)
	hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

func setupLogger(cfg *config.Config) {
	var h slog.Handler
	opts := &slog.HandlerOptions{}

	switch cfg.LogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}
