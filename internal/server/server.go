// Package server orchestrates all components: stores, registry, auth
// coordinator, dispatcher, event publisher and the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostlinkhq/hostlink/internal/config"
	"github.com/hostlinkhq/hostlink/pkg/auth"
	"github.com/hostlinkhq/hostlink/pkg/classifier"
	"github.com/hostlinkhq/hostlink/pkg/classifier/anthropic"
	"github.com/hostlinkhq/hostlink/pkg/classifier/openai"
	"github.com/hostlinkhq/hostlink/pkg/commsutil"
	"github.com/hostlinkhq/hostlink/pkg/db"
	"github.com/hostlinkhq/hostlink/pkg/dispatcher"
	"github.com/hostlinkhq/hostlink/pkg/events"
	"github.com/hostlinkhq/hostlink/pkg/registry"
	"github.com/hostlinkhq/hostlink/pkg/remote"
	"github.com/hostlinkhq/hostlink/pkg/session"
	"github.com/hostlinkhq/hostlink/pkg/task"
)

const logPrefix = "server:server"

// Server is the hostlink orchestrator.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	reg        *registry.Registry
	disp       *dispatcher.Dispatcher
	coord      *auth.Coordinator
	tasks      task.Store
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting hostlink", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Open the durable stores.
	var (
		tasks    task.Store
		sessions session.Store
		requests auth.RequestStore
		pool     *pgxpool.Pool
		sqlite   *db.SQLite
	)
	switch cfg.StoreDriver {
	case "postgres":
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		defer pool.Close()

		if cfg.RunMigrations {
			migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}

		tasks = db.NewTaskStore(pool)
		sessions = db.NewSessionStore(pool)
		requests = db.NewAuthRequestStore(pool)
	case "sqlite":
		sqlite, err = db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("%s - failed to open sqlite store: %w", logPrefix, err)
		}
		defer sqlite.Close()

		tasks = sqlite.Tasks()
		sessions = sqlite.Sessions()
		requests = sqlite.AuthRequests()
	case "memory":
		tasks = task.NewInMemoryStore()
		sessions = session.NewInMemoryStore()
		requests = auth.NewInMemoryRequestStore()
	}
	s.tasks = tasks
	slog.Info(fmt.Sprintf("%s - Store driver: %s", logPrefix, cfg.StoreDriver))

	// Step 2: Build the registry and load the initial snapshot. An empty or
	// unreachable registry is fatal to startup, not to individual requests.
	var sources []registry.CardSource
	if cfg.RegistryFile != "" {
		sources = append(sources, registry.NewFileSource(cfg.RegistryFile))
	}
	if len(cfg.AgentURLs) > 0 {
		sources = append(sources, registry.NewHTTPSource(cfg.AgentURLs, cfg.RequestTimeout))
	}
	reg := registry.NewRegistry(&registry.MultiSource{Sources: sources})
	snap, err := reg.Load(ctx)
	if err != nil {
		return fmt.Errorf("%s - failed to load registry: %w", logPrefix, err)
	}
	if err := registry.ValidateCards(snap.Cards()); err != nil {
		return fmt.Errorf("%s - invalid registry: %w", logPrefix, err)
	}
	s.reg = reg

	// Step 3: Optionally connect to NATS for task lifecycle events.
	var publisher events.Publisher = &events.NoOpPublisher{}
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		defer nc.Drain()
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

		publisherOpts := &events.CommsPublisherOpts{}
		if cfg.ChangeEventSubject != "" {
			publisherOpts.GlobalSubject = cfg.ChangeEventSubject
		}
		publisher = events.NewCommsPublisher(nc, publisherOpts)
	}

	// Step 4: Authorization coordinator over the durable stores.
	coord := auth.NewCoordinator(auth.Config{
		AuthorizeURL:    cfg.OAuthAuthorizeURL,
		TokenURL:        cfg.OAuthTokenURL,
		ClientID:        cfg.OAuthClientID,
		ClientSecret:    cfg.OAuthClientSecret,
		RedirectURI:     cfg.OAuthRedirectURI,
		Scopes:          cfg.OAuthScopes,
		ExchangeTimeout: cfg.ExchangeTimeout,
	}, tasks, sessions, requests)
	s.coord = coord

	// Step 5: Classifier per configured provider.
	var cls classifier.Classifier
	switch cfg.ClassifierProvider {
	case "openai":
		cls = openai.NewClassifier(func(o *openai.Options) {
			if cfg.ClassifierModel != "" {
				o.Model = cfg.ClassifierModel
			}
		})
	case "anthropic":
		cls = anthropic.NewClassifier(func(o *anthropic.Options) {
			if cfg.ClassifierModel != "" {
				o.Model = cfg.ClassifierModel
			}
		})
	default:
		cls = classifier.NewStatic()
	}
	slog.Info(fmt.Sprintf("%s - Classifier provider: %s", logPrefix, cfg.ClassifierProvider))

	// Step 6: Dispatcher.
	disp := dispatcher.NewDispatcher(reg, tasks, sessions, coord, cls,
		remote.NewClient(cfg.RequestTimeout), publisher,
		dispatcher.WithRetryPolicy(dispatcher.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		}))
	s.disp = disp

	// Step 7: Pending-auth sweeper.
	if cfg.AuthPendingTTL > 0 {
		interval := cfg.AuthPendingTTL / 2
		if interval < time.Minute {
			interval = time.Minute
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := disp.ExpirePending(ctx, cfg.AuthPendingTTL); err != nil {
						slog.Error(fmt.Sprintf("%s - pending-auth sweep failed: %v", logPrefix, err))
					}
				}
			}
		}()
	}

	// Step 8: HTTP API.
	s.httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, cfg.HTTPAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Hostlink is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	s.httpServer.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// routes builds the HTTP API mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /delegations", s.handleDelegate)
	mux.HandleFunc("GET /delegations/{id}", s.handleGetDelegation)
	mux.HandleFunc("POST /delegations/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /callback", s.handleCallback)
	mux.HandleFunc("POST /registry/refresh", s.handleRefresh)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return mux
}

// delegateRequest is the POST /delegations body.
type delegateRequest struct {
	Prompt     string `json:"prompt"`
	SessionKey string `json:"sessionKey"`
	TenantID   string `json:"tenantId,omitempty"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var body delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest,
			dispatcher.NewDelegationError("INVALID_REQUEST", "failed to decode request body"))
		return
	}
	if body.Prompt == "" || body.SessionKey == "" {
		writeJSON(w, http.StatusBadRequest,
			dispatcher.NewDelegationError("INVALID_REQUEST", "prompt and sessionKey are required"))
		return
	}

	res, err := s.disp.Delegate(r.Context(), dispatcher.Request{
		Prompt:     body.Prompt,
		SessionKey: body.SessionKey,
		TenantID:   body.TenantID,
	})
	if err != nil {
		writeDelegationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetDelegation(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, &dispatcher.DelegationError{
				Code:    dispatcher.CodeTaskNotFound,
				Message: "no such delegation",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, &dispatcher.DelegationError{
			Code:    dispatcher.CodeInternal,
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.disp.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDelegationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCallback is the authorization-server redirect target: it exchanges
// the code, then immediately re-drives the resumed task.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeJSON(w, http.StatusBadRequest,
			dispatcher.NewDelegationError("INVALID_REQUEST", "code and state are required"))
		return
	}

	taskID, err := s.coord.CompleteFlow(r.Context(), code, state)
	if err != nil {
		dErr := dispatcher.NewDelegationError("AUTH_EXCHANGE_FAILED", err.Error())
		// The correlation outlives the exchange, so a failed callback can
		// still name the suspended task it belongs to.
		if id, lookupErr := s.coord.TaskForCorrelation(r.Context(), state); lookupErr == nil {
			dErr.TaskID = id
		}
		writeJSON(w, http.StatusConflict, dErr)
		return
	}

	res, err := s.disp.Resume(r.Context(), taskID)
	if err != nil {
		writeDelegationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Refresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, &dispatcher.DelegationError{
			Code:    registry.CodeRegistryUnavailable,
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cards":        snap.Len(),
		"serviceTypes": snap.KnownTypes(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	status := "healthy"
	httpStatus := http.StatusOK
	cards := 0
	if snap != nil {
		cards = snap.Len()
	}
	if cards == 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"cards":     cards,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeDelegationError maps dispatcher error codes onto HTTP statuses.
func writeDelegationError(w http.ResponseWriter, err error) {
	var dErr *dispatcher.DelegationError
	if !errors.As(err, &dErr) {
		writeJSON(w, http.StatusInternalServerError, &dispatcher.DelegationError{
			Code:    dispatcher.CodeInternal,
			Message: err.Error(),
		})
		return
	}

	status := http.StatusInternalServerError
	switch dErr.Code {
	case dispatcher.CodeUnclassifiedRequest:
		status = http.StatusUnprocessableEntity
	case registry.CodeAgentNotFound, dispatcher.CodeTaskNotFound:
		status = http.StatusNotFound
	case registry.CodeAmbiguousServiceMatch, dispatcher.CodeTaskNotResumable:
		status = http.StatusConflict
	case registry.CodeRegistryUnavailable:
		status = http.StatusServiceUnavailable
	case dispatcher.CodeRemoteFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, dErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", logPrefix, err))
	}
}
