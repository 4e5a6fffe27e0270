package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/cors"

	"github.com/dukerupert/loyaltywallet/internal/auth"
	"github.com/dukerupert/loyaltywallet/internal/config"
	"github.com/dukerupert/loyaltywallet/internal/handler"
	"github.com/dukerupert/loyaltywallet/internal/ledger"
	"github.com/dukerupert/loyaltywallet/internal/metrics"
	"github.com/dukerupert/loyaltywallet/internal/middleware"
	"github.com/dukerupert/loyaltywallet/internal/snapshot"
	"github.com/dukerupert/loyaltywallet/internal/store"
	ws "github.com/dukerupert/loyaltywallet/internal/websocket"
)

type Server struct {
	db          *sql.DB
	cfg         config.Config
	hub         *ws.Hub
	engine      *ledger.Engine
	tokens      *auth.Tokens
	metrics     *metrics.Metrics
	ledgerH     *handler.LedgerHandler
	walletH     *handler.WalletHandler
	directoryH  *handler.DirectoryHandler
	snapshotH   *handler.SnapshotHandler
	rateLimiter *middleware.RateLimiter
	snapshots   *snapshot.Manager
	logger      *slog.Logger
}

func New(db *sql.DB, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	hub := ws.NewHub(m, logger.With("component", "websocket"))
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	directoryStore := store.NewDirectoryStore(db)
	walletStore := store.NewWalletStore(db)
	transactionStore := store.NewTransactionStore(db)
	snapshotStore := store.NewSnapshotStore(db)

	engine := ledger.New(db, walletStore, transactionStore, directoryStore, cfg.Ledger(), m,
		logger.With("component", "ledger"))
	snapshots := snapshot.NewManager(db, snapshotStore, cfg.Snapshot, m, logger.With("component", "snapshot"))

	return &Server{
		db:          db,
		cfg:         cfg,
		hub:         hub,
		engine:      engine,
		tokens:      tokens,
		metrics:     m,
		ledgerH:     handler.NewLedgerHandler(engine, hub, logger.With("component", "ledger_handler")),
		walletH:     handler.NewWalletHandler(engine, logger.With("component", "wallet_handler")),
		directoryH:  handler.NewDirectoryHandler(directoryStore, tokens, cfg.DefaultPointsPerDollar, logger.With("component", "directory")),
		snapshotH:   handler.NewSnapshotHandler(snapshots, logger.With("component", "snapshot_handler")),
		rateLimiter: middleware.NewRateLimiter(),
		snapshots:   snapshots,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Snapshots returns the snapshot manager so the caller can run its schedule.
func (s *Server) Snapshots() *snapshot.Manager {
	return s.snapshots
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", s.metrics.Handler())

	requireAuth := middleware.RequireAuth(s.tokens)

	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)
	outerMux.Handle("/api/", requireAuth(apiMux))

	outerMux.Handle("GET /ws", requireAuth(ws.HandleWebSocket(s.hub, originHosts(s.cfg.CORSOrigins), s.logger.With("component", "websocket"))))

	var h http.Handler = outerMux
	if len(s.cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			ExposedHeaders: []string{"Idempotent-Replayed", "Retry-After"},
		}).Handler(h)
	}
	return middleware.RequestLogger(s.logger.With("component", "http"), s.metrics)(h)
}

// originHosts turns CORS origins into the host patterns the websocket
// upgrader matches against.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		} else {
			hosts = append(hosts, o)
		}
	}
	return hosts
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":            status,
		"websocket_clients": s.hub.ClientCount(),
		"snapshots":         s.snapshots.Status().State,
	})
}

// mutating guards a ledger write with a role check and the per-caller limit.
func (s *Server) mutating(h http.HandlerFunc, roles ...auth.Role) http.Handler {
	limit := middleware.RateLimit(s.rateLimiter, middleware.CallerKey, s.cfg.RateLimit, time.Minute)
	return middleware.RequireRole(roles...)(limit(h))
}

func only(h http.HandlerFunc, roles ...auth.Role) http.Handler {
	return middleware.RequireRole(roles...)(h)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Ledger operations
	mux.Handle("POST /api/transactions/payment", s.mutating(s.ledgerH.Payment, auth.RoleCustomer))
	mux.Handle("POST /api/transactions/topup", s.mutating(s.ledgerH.TopUp, auth.RoleCustomer))
	mux.Handle("POST /api/transactions/refund", s.mutating(s.ledgerH.Refund, auth.RoleBusiness))
	mux.Handle("POST /api/wallets/{businessID}/redeem", s.mutating(s.ledgerH.Redeem, auth.RoleCustomer))

	// Reads
	mux.Handle("GET /api/wallets", only(s.walletH.List, auth.RoleCustomer))
	mux.Handle("GET /api/wallets/{businessID}", only(s.walletH.Get, auth.RoleCustomer))
	mux.HandleFunc("GET /api/transactions/history", s.walletH.History)
	mux.HandleFunc("GET /api/transactions/{id}", s.walletH.Transaction)

	// Directory
	mux.HandleFunc("GET /api/businesses", s.directoryH.ListBusinesses)
	mux.Handle("POST /api/businesses", only(s.directoryH.CreateBusiness, auth.RoleAdmin))
	mux.Handle("POST /api/customers", only(s.directoryH.CreateCustomer, auth.RoleAdmin))

	// Admin
	mux.Handle("GET /api/admin/wallets/{customerID}/{businessID}/reconcile", only(s.walletH.Reconcile, auth.RoleAdmin))
	mux.Handle("GET /api/admin/snapshots", only(s.snapshotH.List, auth.RoleAdmin))
	mux.Handle("POST /api/admin/snapshots", only(s.snapshotH.Create, auth.RoleAdmin))
}
