package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/speechrnt/sttcore/pkg/health"
)

// healthServer renders a health.Monitor as the JSON payload §6 documents and
// keeps a bounded in-memory history of aggregate status changes, since
// health.Monitor itself only ever reports the current snapshot.
type healthServer struct {
	mon *health.Monitor

	histMu  sync.Mutex
	history []historyEntry
}

type historyEntry struct {
	TimestampMs int64        `json:"timestamp_ms"`
	Status      health.Status `json:"status"`
}

const maxHistoryEntries = 200

func newHealthServer(mon *health.Monitor) *healthServer {
	s := &healthServer{mon: mon}
	mon.SetHealthChangeCallback(func(overall health.Status, _ map[string]health.ComponentHealth) {
		s.record(overall)
	})
	return s
}

func (s *healthServer) record(status health.Status) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, historyEntry{TimestampMs: time.Now().UnixMilli(), Status: status})
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[len(s.history)-maxHistoryEntries:]
	}
}

type componentPayload struct {
	Name           string            `json:"name"`
	Status         health.Status     `json:"status"`
	Message        string            `json:"message"`
	ResponseTimeMs float64           `json:"response_time_ms"`
	Details        map[string]string `json:"details"`
}

type resourceUsagePayload struct {
	CPUPercent              float64 `json:"cpu_percent"`
	MemoryMB                float64 `json:"memory_mb"`
	GPUMemoryMB             float64 `json:"gpu_memory_mb"`
	GPUUtilPercent          float64 `json:"gpu_util_percent"`
	ActiveTranscriptions    int     `json:"active_transcriptions"`
	QueuedRequests          int     `json:"queued_requests"`
	BufferUsageMB           float64 `json:"buffer_usage_mb"`
}

type healthPayload struct {
	OverallStatus    health.Status        `json:"overall_status"`
	OverallMessage   string               `json:"overall_message"`
	TimestampMs      int64                `json:"timestamp"`
	TotalCheckTimeMs float64              `json:"total_check_time_ms"`
	Components       []componentPayload   `json:"components"`
	ResourceUsage     resourceUsagePayload `json:"resource_usage"`
}

func overallMessage(status health.Status) string {
	switch status {
	case health.Healthy:
		return "all components healthy"
	case health.Degraded:
		return "one or more components degraded"
	case health.Unhealthy:
		return "one or more components unhealthy"
	case health.Critical:
		return "one or more components in critical state"
	default:
		return "no components registered"
	}
}

func (s *healthServer) buildPayload(components map[string]health.ComponentHealth) healthPayload {
	start := time.Now()
	overall := health.Unknown
	if len(components) > 0 {
		overall = s.mon.Overall()
	}

	payload := healthPayload{
		OverallStatus:  overall,
		OverallMessage: overallMessage(overall),
		TimestampMs:    time.Now().UnixMilli(),
		Components:     make([]componentPayload, 0, len(components)),
	}

	var resource resourceUsagePayload
	for _, c := range components {
		payload.Components = append(payload.Components, componentPayload{
			Name:           c.Name,
			Status:         c.Status,
			Message:        c.Message,
			ResponseTimeMs: c.Metrics.ResponseTimeMs,
			Details:        map[string]string{},
		})
		resource.CPUPercent += c.Metrics.CPUPercent
		resource.MemoryMB += c.Metrics.MemoryMB
		resource.GPUMemoryMB += c.Metrics.GPUMemoryMB
		resource.ActiveTranscriptions += c.Metrics.ConcurrentTranscriptions
		resource.QueuedRequests += c.Metrics.QueueSize
		resource.BufferUsageMB += c.Metrics.BufferMB
	}
	payload.ResourceUsage = resource
	payload.TotalCheckTimeMs = time.Since(start).Seconds() * 1000
	return payload
}

func (s *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.buildPayload(s.mon.Snapshot()))
}

func (s *healthServer) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.buildPayload(s.mon.Check()))
}

func (s *healthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	components := s.mon.Snapshot()
	out := make(map[string]health.InstanceMetrics, len(components))
	for name, c := range components {
		out[name] = c.Metrics
	}
	s.writeJSON(w, out)
}

func (s *healthServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.histMu.Lock()
	out := make([]historyEntry, len(s.history))
	copy(out, s.history)
	s.histMu.Unlock()
	s.writeJSON(w, out)
}

func (s *healthServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.mon.ActiveAlerts())
}

func (s *healthServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
