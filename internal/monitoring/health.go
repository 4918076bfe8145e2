package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-kllama/internal/config"
	"github.com/23skdu/longbow-kllama/internal/logger"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Sessions    SessionInfo     `json:"sessions"`
	Performance PerformanceInfo `json:"performance"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ModelInfo struct {
	Loaded        bool   `json:"loaded"`
	Architecture  string `json:"architecture,omitempty"`
	Layers        int    `json:"layers,omitempty"`
	Heads         int    `json:"heads,omitempty"`
	KVHeads       int    `json:"kv_heads,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	VocabSize     int    `json:"vocab_size,omitempty"`
}

type SessionInfo struct {
	Active   int `json:"active"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	Inferences      int        `json:"inferences"`
	TokensGenerated int        `json:"tokens_generated"`
	TokensPerSecond float64    `json:"tokens_per_second"`
	AvgLatencyMs    float64    `json:"avg_latency_ms"`
	LastInference   *time.Time `json:"last_inference,omitempty"`
}

// PerfPoint represents a performance data point
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
}

const maxPerfHistory = 1000

// HealthMonitor serves liveness and Prometheus endpoints for a running model.
type HealthMonitor struct {
	startTime time.Time
	now       func() time.Time

	mu          sync.RWMutex
	model       ModelInfo
	sessions    SessionInfo
	perfHistory []PerfPoint
	inferences  int

	server *http.Server
	log    *logger.Logger
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		now:       time.Now,
		log:       logger.Log.With("component", "health"),
	}
}

// SetModel marks the model as loaded and publishes its geometry.
func (hm *HealthMonitor) SetModel(cfg config.Config) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.model = ModelInfo{
		Loaded:        true,
		Architecture:  cfg.GetArchitecture(),
		Layers:        cfg.Layers,
		Heads:         cfg.Heads,
		KVHeads:       cfg.KVHeads,
		ContextLength: cfg.SeqLen,
		VocabSize:     cfg.VocabSize,
	}
}

func (hm *HealthMonitor) SessionStarted() {
	hm.mu.Lock()
	hm.sessions.Active++
	hm.mu.Unlock()
}

// SessionFinished records the end of a session; err marks it failed.
func (hm *HealthMonitor) SessionFinished(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.sessions.Active > 0 {
		hm.sessions.Active--
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		hm.sessions.Failed++
		return
	}
	hm.sessions.Finished++
}

// RecordInference records a completed generation for the status report.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.inferences++
	hm.perfHistory = append(hm.perfHistory, PerfPoint{
		Timestamp: hm.now(),
		Tokens:    tokens,
		Duration:  duration,
	})
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}

	if duration > 0 && float64(tokens)/duration.Seconds() < 1.0 {
		hm.log.Warn("Low throughput", "tokens", tokens, "duration", duration.String())
	}
}

// Status computes the current report. A model that has not been loaded is
// reported as "starting".
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !hm.model.Loaded {
		status = "starting"
	}
	return HealthStatus{
		Status:      status,
		Timestamp:   hm.now(),
		Uptime:      hm.now().Sub(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Model:       hm.model,
		Sessions:    hm.sessions,
		Performance: hm.performance(),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	p := PerformanceInfo{Inferences: hm.inferences}
	if len(hm.perfHistory) == 0 {
		return p
	}
	var total time.Duration
	for _, pt := range hm.perfHistory {
		p.TokensGenerated += pt.Tokens
		total += pt.Duration
	}
	if total > 0 {
		p.TokensPerSecond = float64(p.TokensGenerated) / total.Seconds()
	}
	p.AvgLatencyMs = float64(total.Microseconds()) / float64(len(hm.perfHistory)) / 1e3
	last := hm.perfHistory[len(hm.perfHistory)-1].Timestamp
	p.LastInference = &last
	return p
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// Handler exposes /health, /healthz, /status and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (hm *HealthMonitor) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("Health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("Health monitor stopped", "error", err.Error())
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server started by Start.
func (hm *HealthMonitor) Shutdown(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          status.Status,
		"timestamp":       status.Timestamp.Format(time.RFC3339),
		"uptime":          status.Uptime,
		"active_sessions": status.Sessions.Active,
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}
