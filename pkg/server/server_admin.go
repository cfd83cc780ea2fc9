package server

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/knowledge"
)

// =============================================================================
// Health, Status & Admin Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Minimal response, details live behind /status
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status   string          `json:"status"`
	Server   ServerStats     `json:"server"`
	Store    knowledge.Stats `json:"store"`
	Mode     string          `json:"conflict_mode"`
	MemoryMB float64         `json:"memory_mb"`
	Host     HostStats       `json:"host"`
}

// HostStats is a best-effort view of the machine. Fields that cannot be
// read are left zero.
type HostStats struct {
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	CPUUsage      float64 `json:"cpu_usage"`
	MemUsage      float64 `json:"mem_usage"`
	DiskPath      string  `json:"disk_path,omitempty"`
	DiskUsage     float64 `json:"disk_usage,omitempty"`
	DiskFreeBytes uint64  `json:"disk_free_bytes,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Config()
	dataDir := ""
	if !cfg.Storage.InMemory {
		dataDir = cfg.Storage.DataDir
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:   "running",
		Server:   s.Stats(),
		Store:    s.store.Stats(),
		Mode:     cfg.Trust.ConflictMode,
		MemoryMB: getMemoryUsageMB(),
		Host:     getHostStats(dataDir),
	})
}

func getHostStats(dataDir string) HostStats {
	st := HostStats{OS: runtime.GOOS, Arch: runtime.GOARCH}
	// Zero interval compares against the previous call and never blocks.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPUUsage = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemUsage = vm.UsedPercent
	}
	if dataDir != "" {
		if du, err := disk.Usage(dataDir); err == nil {
			st.DiskPath = dataDir
			st.DiskUsage = du.UsedPercent
			st.DiskFreeBytes = du.Free
		}
	}
	return st
}

func getMemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}

// handleSweep runs a migration sweep and returns its report. A sweep that is
// already running returns 409.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Sweep(r.Context())
	if err != nil && !report.Cancelled {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("sweep requested over http",
		zap.Int("scanned", report.Scanned),
		zap.Int("moved", report.Moved()),
		zap.Bool("cancelled", report.Cancelled))
	s.writeJSON(w, http.StatusOK, report)
}

var errNoReloader = errors.New("reload not configured")

// ReloadResponse is the body of POST /v1/admin/reload.
type ReloadResponse struct {
	Reloaded bool      `json:"reloaded"`
	At       time.Time `json:"at"`
	Config   string    `json:"config"`
}

// handleReload re-reads configuration through the Reloader and applies it.
// An invalid configuration is refused and the active one kept.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	reload := s.getReloader()
	if reload == nil {
		s.writeError(w, http.StatusNotImplemented, errNoReloader.Error(), errNoReloader)
		return
	}
	cfg, err := reload()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.Reconfigure(cfg); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReloadResponse{
		Reloaded: true,
		At:       time.Now(),
		Config:   s.store.Config().String(),
	})
}
