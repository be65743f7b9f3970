package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/a-essam23/activitycast/internal/activities"
	"github.com/a-essam23/activitycast/internal/gateway"
	"github.com/a-essam23/activitycast/internal/server/middleware"
	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/config"
	"github.com/a-essam23/activitycast/pkg/state"
	"github.com/a-essam23/activitycast/pkg/state/statemanager"
	"github.com/a-essam23/activitycast/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var errShutdown = errors.New("graceful shutdown")

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	gateway      *gateway.Gateway
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, verifier auth.Verifier, repo activities.Repository) *App {
	stateManager := statemanager.NewInMemoryManager(logger)

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		gateway:      gateway.New(logger, stateManager),
		config:       cfg,
		ctx:          rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(stateManager.GetUserConnectionCount)
	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(logger, verifier)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			authMiddleware,
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/api/",
		activities.NewRouter(activities.NewHandler(logger, repo),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			authMiddleware,
		),
	)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the routing tree, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// StateManager exposes the connection registry.
func (a *App) StateManager() state.Manager {
	return a.stateManager
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-a.ctx.Done():
	}
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: a.config.Server.AllowedOrigins}
	if len(acceptOpts.OriginPatterns) == 0 {
		acceptOpts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// the close hook fires exactly once per connection, whatever ends it.
	onClose := func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Any("reason", err))
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
	}
	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.gateway.HandleMessage,
		onClose,
		a.logger,
	)
	principal := &auth.Principal{Username: reqMeta.UserID, DisplayName: reqMeta.DisplayName}
	// register new connection
	if _, err := a.stateManager.RegisterConnection(conn, reqMeta.IP, principal); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("User connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by http.Server, close them ourselves.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errShutdown)
	}
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
