package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orbitchat/orbit/internal/logging"
)

// ReadinessChecker is implemented by every dependency that gates /readyz.
type ReadinessChecker interface {
	// Name returns the name of the component for display in health status.
	Name() string

	// CheckReady returns nil if the component is ready.
	CheckReady(ctx context.Context) error
}

// HealthServer serves /healthz for liveness probes, /readyz for readiness
// probes and any extra handlers (such as /metrics) on a separate port.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	loops            map[string]*loopStatus
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
}

// loopStatus tracks a background loop that must keep running.
type loopStatus struct {
	running   bool
	lastCheck time.Time
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Goroutines map[string]bool        `json:"goroutines,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the result of a single check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

const (
	// DefaultReadinessTimeout bounds each readiness check.
	DefaultReadinessTimeout = 5 * time.Second

	// staleLoopAfter marks a registered loop unhealthy when it has not
	// reported for this long.
	staleLoopAfter = 30 * time.Second
)

// NewHealthServer creates a new HealthServer. Nothing listens until Start.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger,
		loops:            make(map[string]*loopStatus),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the timeout for individual readiness checks.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// RegisterGoroutine registers a background loop for liveness checking.
func (h *HealthServer) RegisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = &loopStatus{running: true, lastCheck: time.Now()}
}

// UpdateGoroutine records that the loop is still making progress.
func (h *HealthServer) UpdateGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.loops[name]; ok {
		status.lastCheck = time.Now()
	}
}

// UnregisterGoroutine marks a loop as stopped.
func (h *HealthServer) UnregisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.loops[name]; ok {
		status.running = false
	}
}

// SetShuttingDown makes both probes return 503.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown returns true once SetShuttingDown was called.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Routes returns the health router. Start serves it; tests may use it
// directly.
func (h *HealthServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealthz)
	r.Head("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Head("/readyz", h.handleReadyz)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		r.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	r.HandleFunc("/debug/pprof/*", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return r
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:     h.Routes(),
		ReadTimeout: 5 * time.Second,
		// Readiness checks run inside the write window.
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts down the health server.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.checkLiveness())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.checkReadiness(r.Context()))
}

// shutdownCheck fills the shutdown entry and reports whether to stop.
func (h *HealthServer) shutdownCheck(status *HealthStatus) bool {
	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "node is shutting down"}
		return true
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "node is running"}
	return false
}

func (h *HealthServer) checkLiveness() HealthStatus {
	status := HealthStatus{
		Status:     "ok",
		Goroutines: make(map[string]bool),
		Checks:     make(map[string]CheckResult),
	}
	if h.shutdownCheck(&status) {
		return status
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	allOK := true
	for name, ls := range h.loops {
		ok := ls.running && time.Since(ls.lastCheck) < staleLoopAfter
		status.Goroutines[name] = ok
		if !ok {
			allOK = false
		}
	}

	switch {
	case !allOK:
		status.Status = "degraded"
		status.Checks["goroutines"] = CheckResult{
			Healthy: false,
			Message: "one or more background loops are not running",
		}
	case len(h.loops) > 0:
		status.Checks["goroutines"] = CheckResult{
			Healthy: true,
			Message: "all background loops are running",
		}
	}
	return status
}

// CheckHealth returns the liveness status without an HTTP request.
func (h *HealthServer) CheckHealth() HealthStatus {
	return h.checkLiveness()
}

func (h *HealthServer) checkReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}
	if h.shutdownCheck(&status) {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.readinessChecks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}

// CheckReadiness returns the readiness status without an HTTP request.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	return h.checkReadiness(ctx)
}
