package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/train"
)

// Version is reported by /status.
var Version = "dev"

// lossSpikeFactor raises a warning when a step's loss exceeds the unit's
// first loss by this factor.
const lossSpikeFactor = 10

// HealthStatus represents the health status of a training run
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Run       RunInfo       `json:"run"`
	Alerts    []Alert       `json:"alerts"`
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

// RunInfo is the scheduler's current position.
type RunInfo struct {
	Unit           string    `json:"unit"`
	Stage          string    `json:"stage"`
	UnitIndex      int       `json:"unit_index"`
	Units          int       `json:"units"`
	Step           int       `json:"step"`
	Steps          int       `json:"steps"`
	Loss           float64   `json:"loss"`
	LearningRate   float64   `json:"learning_rate"`
	Completed      []string  `json:"completed"`
	LastCheckpoint string    `json:"last_checkpoint,omitempty"`
	Failed         bool      `json:"failed"`
	LastStep       time.Time `json:"last_step"`
}

// Alert represents a run alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // train, checkpoint, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor tracks a training run and serves its state over HTTP.
// It implements scheduler.Observer.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	alerts    []Alert
	run       RunInfo
	firstLoss float64
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitor on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) UnitStarted(unit string, index, total int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.run.Unit = unit
	hm.run.UnitIndex = index
	hm.run.Units = total
	hm.run.Step, hm.run.Steps = 0, 0
	hm.firstLoss = 0
}

func (hm *HealthMonitor) StageEntered(unit, stage string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.run.Unit = unit
	hm.run.Stage = stage
}

func (hm *HealthMonitor) StepDone(p train.Progress) {
	hm.mu.Lock()
	hm.run.Step, hm.run.Steps = p.Step, p.Steps
	hm.run.Loss, hm.run.LearningRate = p.Loss, p.LR
	hm.run.LastStep = time.Now()
	if p.Step == 1 {
		hm.firstLoss = p.Loss
	}
	spike := hm.firstLoss > 0 && p.Loss > lossSpikeFactor*hm.firstLoss
	hm.mu.Unlock()

	if spike {
		hm.AddAlert("warning", "train", fmt.Sprintf("Loss spike in %s at step %d: %.4g", p.Unit, p.Step, p.Loss))
	}
}

func (hm *HealthMonitor) UnitDone(unit, checkpoint string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.run.Completed = append(hm.run.Completed, unit)
	hm.run.LastCheckpoint = checkpoint
}

func (hm *HealthMonitor) RunFailed(unit string, err error) {
	hm.mu.Lock()
	hm.run.Failed = true
	hm.mu.Unlock()
	hm.AddAlert("critical", "train", fmt.Sprintf("Run aborted in %s: %v", unit, err))
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Level == "critical" && !alert.Resolved {
			status = "critical"
			break
		} else if alert.Level == "error" && !alert.Resolved {
			status = "degraded"
		}
	}

	run := hm.run
	run.Completed = append([]string(nil), hm.run.Completed...)
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Run:       run,
		Alerts:    alerts,
	}
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
