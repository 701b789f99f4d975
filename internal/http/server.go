package http

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"

	"ricevute/internal/auth"
	"ricevute/internal/core"
	applog "ricevute/internal/log"
	"ricevute/internal/middleware/ratelimit"
	"ricevute/internal/middleware/security"
	"ricevute/internal/middleware/trace"
)

// ExpenseAPI is the Expense Store surface the handlers drive.
type ExpenseAPI interface {
	List(ctx context.Context, who core.Identity) ([]core.Expense, error)
	Get(ctx context.Context, who core.Identity, id int64) (core.Expense, bool, error)
	Create(ctx context.Context, who core.Identity, in core.ExpenseInput) (core.Expense, error)
	Replace(ctx context.Context, who core.Identity, id int64, in core.ExpenseInput) (core.Expense, bool, error)
	Patch(ctx context.Context, who core.Identity, id int64, p core.ExpensePatch) (core.Expense, bool, error)
	Delete(ctx context.Context, who core.Identity, id int64) (core.Expense, bool, error)
	Ping(ctx context.Context) error
}

// AttachmentAPI is the sign and bind half of the attachment handshake.
type AttachmentAPI interface {
	Sign(ctx context.Context, who core.Identity, filename, contentType string) (core.UploadTarget, error)
	Bind(ctx context.Context, who core.Identity, id int64, key string) (core.Expense, bool, error)
}

type Exporter interface {
	Export(ctx context.Context, who core.Identity, w io.Writer) error
}

// RouteRegistrar mounts routes that live outside /api, such as the signed
// object-storage endpoints.
type RouteRegistrar interface {
	Register(mux *http.ServeMux)
}

type Config struct {
	Addr               string
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	TrustedProxies     []string
	MaxBodyBytes       int64
}

// Deps are the collaborators behind the routes. Verifier may be nil, in
// which case every request runs as auth.DevIdentity.
type Deps struct {
	Expenses    ExpenseAPI
	Attachments AttachmentAPI
	Exporter    Exporter
	Blobs       RouteRegistrar
	Hub         *Hub
	Verifier    *auth.Verifier
	Logger      *applog.Logger
}

type Server struct {
	http.Server

	expenses     ExpenseAPI
	attachments  AttachmentAPI
	exporter     Exporter
	hub          *Hub
	logger       *applog.Logger
	limiter      *ratelimit.Limiter
	detector     *security.Detector
	tracer       *trace.Middleware
	maxBodyBytes int64

	shutdownOnce sync.Once
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}

	detector, err := security.NewDetector(cfg.TrustedProxies, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		expenses:     deps.Expenses,
		attachments:  deps.Attachments,
		exporter:     deps.Exporter,
		hub:          deps.Hub,
		logger:       logger.WithComponent(applog.ComponentHTTP),
		detector:     detector,
		maxBodyBytes: cfg.MaxBodyBytes,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Methods:           ratelimit.DefaultConfig().Methods,
		}),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/expenses", s.handleListExpenses)
	api.HandleFunc("POST /api/expenses", s.handleCreateExpense)
	api.HandleFunc("GET /api/expenses/{id}", s.handleGetExpense)
	api.HandleFunc("PUT /api/expenses/{id}", s.handleReplaceExpense)
	api.HandleFunc("PATCH /api/expenses/{id}", s.handlePatchExpense)
	api.HandleFunc("DELETE /api/expenses/{id}", s.handleDeleteExpense)
	api.HandleFunc("POST /api/upload/sign", s.handleSignUpload)
	if s.exporter != nil {
		api.HandleFunc("GET /api/expenses/export", s.handleExport)
	}
	if s.hub != nil {
		api.Handle("GET /api/ws", s.hub)
	}
	api.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		NotFoundError().Write(w)
	})

	authenticate := auth.Middleware(deps.Verifier, func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.WarnContext(r.Context(), "Rejected request",
			applog.FieldPath, r.URL.Path,
			applog.FieldErrorType, applog.ErrorTypeAuth,
			applog.FieldError, err)
		UnauthorizedError().Write(w)
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", authenticate(api))
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /statsz", s.handleStats)
	if deps.Blobs != nil {
		deps.Blobs.Register(mux)
	}

	limited := s.limiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		s.logger.WarnContext(r.Context(), "Rate limit exceeded",
			applog.FieldClientIP, detector.ExtractClientIP(r),
			applog.FieldPath, r.URL.Path)
		TooManyRequestsError().Write(w)
	})(mux)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	s.tracer = trace.NewMiddleware(detector.ExtractClientIP, logger)

	var handler http.Handler = limited
	handler = detector.Middleware(handler)
	handler = headers.Middleware(handler)
	handler = newCORS(cfg.CORSAllowedOrigins).Handler(handler)
	handler = s.tracer.Middleware(handler)
	s.Handler = handler

	return s, nil
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition", trace.HeaderRequestID, trace.HeaderResponseTime},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once storage answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.expenses.Ping(ctx); err != nil {
		s.logger.WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err)
		ErrorResponse(http.StatusServiceUnavailable, MsgServiceUnavailable).Write(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

type statsResponse struct {
	Requests         int64 `json:"requests"`
	LastResponseUsec int64 `json:"last_response_us"`
	RateLimitHits    int64 `json:"rate_limit_hits"`
	RateLimitClients int64 `json:"rate_limit_clients"`
	Suspicious       int64 `json:"suspicious_requests"`
	InvalidIPs       int64 `json:"invalid_ip_attempts"`
	ChangeFeedPeers  int   `json:"change_feed_sessions"`
}

// handleStats reports the in-process request counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tm := s.tracer.GetMetrics()
	lm := s.limiter.GetMetrics()
	dm := s.detector.GetMetrics()
	resp := statsResponse{
		Requests:         tm.TotalRequests,
		LastResponseUsec: tm.LastResponseTime,
		RateLimitHits:    lm.TotalHits,
		RateLimitClients: lm.ClientCount,
		Suspicious:       dm.SuspiciousRequests,
		InvalidIPs:       dm.InvalidIPAttempts,
	}
	if s.hub != nil {
		resp.ChangeFeedPeers = s.hub.Sessions()
	}
	NewJSONResponse().Body(resp).Write(w)
}

// Shutdown stops background goroutines, closes websocket sessions and
// drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		if s.hub != nil {
			if err := s.hub.Close(); err != nil {
				s.logger.Warn("Failed to close change feed", applog.FieldError, err)
			}
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}
