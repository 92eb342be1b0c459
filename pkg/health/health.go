// Package health aggregates per-instance health checks into a five-level
// system status, drives load-balancing recommendations, and emits
// cooldown-gated alerts, exporting everything as Prometheus metrics.
package health

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status is one of the five aggregate health levels.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Critical  Status = "critical"
	Unknown   Status = "unknown"
)

// healthWeight maps a Status to the load-balancing weight from §4.9.
func healthWeight(s Status) float64 {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 0.3
	case Unhealthy:
		return 0.7
	case Critical:
		return 1
	default:
		return 1
	}
}

// Thresholds are the configurable limits §4.9 checks instances against.
type Thresholds struct {
	MaxResponseTimeMs          float64
	MaxCPUPercent              float64
	MaxMemoryMB                float64
	MaxGPUMemoryMB             float64
	MaxBufferMB                float64
	MaxConcurrentTranscriptions int
	MaxQueueSize               int
	MinConfidence              float64
	MaxLatencyMs               float64
	MinAccuracy                float64
}

// DefaultThresholds mirrors HealthCheckConfig's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxResponseTimeMs:          1000,
		MaxCPUPercent:              80,
		MaxMemoryMB:                8192,
		MaxGPUMemoryMB:             6144,
		MaxBufferMB:                1024,
		MaxConcurrentTranscriptions: 10,
		MaxQueueSize:               50,
		MinConfidence:              0.3,
		MaxLatencyMs:               2000,
		MinAccuracy:                0.8,
	}
}

// Config controls monitoring cadence, alerting, and load-balancing
// decisions.
type Config struct {
	Thresholds Thresholds

	HealthCheckInterval   time.Duration
	ResourceCheckInterval time.Duration

	AlertingEnabled     bool
	AlertCooldown       time.Duration
	LoadBalancingEnabled bool
	LoadBalancingThreshold float64
	MinHealthyInstances    int
}

// DefaultConfig mirrors HealthCheckConfig's documented defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:             DefaultThresholds(),
		HealthCheckInterval:    5 * time.Second,
		ResourceCheckInterval:  time.Second,
		AlertingEnabled:        true,
		AlertCooldown:          time.Minute,
		LoadBalancingEnabled:   true,
		LoadBalancingThreshold: 0.7,
		MinHealthyInstances:    1,
	}
}

// InstanceMetrics is the raw resource/performance snapshot one registered
// instance reports at check time.
type InstanceMetrics struct {
	ResponseTimeMs          float64
	CPUPercent              float64
	MemoryMB                float64
	GPUMemoryMB             float64
	BufferMB                float64
	ConcurrentTranscriptions int
	QueueSize               int
	Confidence              float64
	LatencyMs               float64
	Accuracy                float64
}

// ComponentHealth is the computed health of one registered instance.
type ComponentHealth struct {
	Name      string
	Status    Status
	Message   string
	Metrics   InstanceMetrics
	LastCheck time.Time
}

// Load returns §4.9's load-balancing formula for this component.
func (c ComponentHealth) Load(maxResponseMs float64) float64 {
	respFactor := 1.0
	if maxResponseMs > 0 {
		respFactor = c.Metrics.ResponseTimeMs / maxResponseMs
		if respFactor > 1 {
			respFactor = 1
		}
	}
	return 0.7*healthWeight(c.Status) + 0.3*respFactor
}

// Alert is a cooldown-gated health notification.
type Alert struct {
	ID           string
	Component    string
	Severity     Status
	Message      string
	Context      map[string]string
	Timestamp    time.Time
	Acknowledged bool
}

// HealthChangeCallback fires whenever the aggregate status changes.
type HealthChangeCallback func(overall Status, components map[string]ComponentHealth)

// AlertCallback fires for every alert that clears its cooldown.
type AlertCallback func(Alert)

// checkFunc is how a registered instance reports its own health; supplied
// by the caller (e.g. wrapping inference.Backend.Validate plus buffer/queue
// stats) since this package has no STT-specific knowledge of its own.
type checkFunc func() (InstanceMetrics, error)

// Monitor is the public HealthMonitor.
type Monitor struct {
	cfg Config

	mu        sync.Mutex
	enabled   bool
	checks    map[string]checkFunc
	health    map[string]ComponentHealth
	lastOverall Status

	alertsMu      sync.Mutex
	activeAlerts  []Alert
	alertCooldown map[string]time.Time

	onHealthChange HealthChangeCallback
	onAlert        AlertCallback

	stopCh chan struct{}
	wg     sync.WaitGroup

	metrics *promMetrics
}

type promMetrics struct {
	overallStatus prometheus.Gauge
	checksTotal   prometheus.Counter
	alertsTotal   prometheus.Counter
	componentLoad *prometheus.GaugeVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		overallStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_health_overall_status",
			Help: "Aggregate health status: 0=healthy 1=degraded 2=unhealthy 3=critical 4=unknown",
		}),
		checksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_health_checks_total",
			Help: "Total health checks performed",
		}),
		alertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_health_alerts_total",
			Help: "Total alerts emitted past cooldown",
		}),
		componentLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stt_health_component_load",
			Help: "Per-component load-balancing score",
		}, []string{"component"}),
	}
}

func statusScore(s Status) float64 {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Critical:
		return 3
	default:
		return 4
	}
}

// New constructs a Monitor. With a nil reg the metrics are still created
// but are not registered with any registry.
func New(cfg Config, reg prometheus.Registerer) *Monitor {
	return &Monitor{
		cfg:           cfg,
		enabled:       true,
		checks:        make(map[string]checkFunc),
		health:        make(map[string]ComponentHealth),
		alertCooldown: make(map[string]time.Time),
		lastOverall:   Unknown,
		metrics:       newPromMetrics(reg),
	}
}

// RegisterInstance adds an instance to be health-checked under name.
func (m *Monitor) RegisterInstance(name string, check func() (InstanceMetrics, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// UnregisterInstance removes an instance from monitoring.
func (m *Monitor) UnregisterInstance(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
	delete(m.health, name)
}

// SetHealthChangeCallback installs the aggregate-status-change observer.
func (m *Monitor) SetHealthChangeCallback(cb HealthChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = cb
}

// SetAlertCallback installs the alert observer.
func (m *Monitor) SetAlertCallback(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = cb
}

// SetEnabled toggles whether Check performs real work.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// classify buckets one instance's metrics against thresholds into a Status,
// grounded on checkCPUHealth/checkMemoryHealth/... each contributing one
// vote, worst vote wins.
func classify(m InstanceMetrics, th Thresholds) (Status, string) {
	worst := Healthy
	reasons := ""
	degrade := func(s Status, reason string) {
		if statusScore(s) > statusScore(worst) {
			worst, reasons = s, reason
		}
	}

	if m.ResponseTimeMs > th.MaxResponseTimeMs*2 {
		degrade(Critical, "response time far over threshold")
	} else if m.ResponseTimeMs > th.MaxResponseTimeMs {
		degrade(Degraded, "response time over threshold")
	}
	if m.CPUPercent > 95 {
		degrade(Critical, "cpu usage critical")
	} else if m.CPUPercent > th.MaxCPUPercent {
		degrade(Degraded, "cpu usage over threshold")
	}
	if m.MemoryMB > th.MaxMemoryMB {
		degrade(Unhealthy, "memory usage over threshold")
	}
	if th.MaxGPUMemoryMB > 0 && m.GPUMemoryMB > th.MaxGPUMemoryMB {
		degrade(Unhealthy, "gpu memory usage over threshold")
	}
	if m.BufferMB > th.MaxBufferMB {
		degrade(Degraded, "buffer usage over threshold")
	}
	if th.MaxConcurrentTranscriptions > 0 && m.ConcurrentTranscriptions > th.MaxConcurrentTranscriptions {
		degrade(Unhealthy, "concurrent transcriptions over threshold")
	}
	if th.MaxQueueSize > 0 && m.QueueSize > th.MaxQueueSize {
		degrade(Unhealthy, "queue size over threshold")
	}
	if m.Confidence > 0 && m.Confidence < th.MinConfidence {
		degrade(Unhealthy, "confidence below threshold")
	}
	if m.LatencyMs > th.MaxLatencyMs {
		degrade(Critical, "latency over threshold")
	}
	if m.Accuracy > 0 && m.Accuracy < th.MinAccuracy {
		degrade(Degraded, "accuracy below threshold")
	}

	if reasons == "" {
		reasons = "within all thresholds"
	}
	return worst, reasons
}

// Check performs an on-demand health check over every registered instance
// and returns the refreshed per-instance health.
func (m *Monitor) Check() map[string]ComponentHealth {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return map[string]ComponentHealth{}
	}
	checks := make(map[string]checkFunc, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	th := m.cfg.Thresholds
	m.mu.Unlock()

	results := make(map[string]ComponentHealth, len(checks))
	for name, check := range checks {
		start := time.Now()
		metrics, err := check()
		elapsed := time.Since(start).Seconds() * 1000
		if metrics.ResponseTimeMs == 0 {
			metrics.ResponseTimeMs = elapsed
		}

		var status Status
		var message string
		if err != nil {
			status, message = Critical, err.Error()
		} else {
			status, message = classify(metrics, th)
		}

		ch := ComponentHealth{Name: name, Status: status, Message: message, Metrics: metrics, LastCheck: time.Now()}
		results[name] = ch
		m.maybeAlert(ch)
	}

	m.mu.Lock()
	m.health = results
	overall := aggregate(results)
	changed := overall != m.lastOverall
	m.lastOverall = overall
	cb := m.onHealthChange
	m.mu.Unlock()

	m.metrics.checksTotal.Inc()
	m.metrics.overallStatus.Set(statusScore(overall))
	for name, ch := range results {
		m.metrics.componentLoad.WithLabelValues(name).Set(ch.Load(th.MaxResponseTimeMs))
	}

	if changed && cb != nil {
		cb(overall, results)
	}
	return results
}

// aggregate implements §4.9's overall-status rule.
func aggregate(components map[string]ComponentHealth) Status {
	if len(components) == 0 {
		return Unknown
	}
	sawHealthy := false
	worst := Status("")
	for _, c := range components {
		if c.Status == Healthy {
			sawHealthy = true
		}
		if worst == "" || statusScore(c.Status) > statusScore(worst) {
			worst = c.Status
		}
	}
	switch worst {
	case Critical:
		return Critical
	case Unhealthy:
		return Unhealthy
	case Degraded:
		return Degraded
	}
	if sawHealthy {
		return Healthy
	}
	return Unknown
}

// Overall returns the last computed aggregate status without running a new
// check.
func (m *Monitor) Overall() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOverall
}

// Snapshot returns the per-instance health from the last Check.
func (m *Monitor) Snapshot() map[string]ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ComponentHealth, len(m.health))
	for k, v := range m.health {
		out[k] = v
	}
	return out
}

// Recommend returns the healthy-or-degraded instance with the lowest load,
// or "" if none qualify.
func (m *Monitor) Recommend() string {
	m.mu.Lock()
	components := make([]ComponentHealth, 0, len(m.health))
	for _, c := range m.health {
		components = append(components, c)
	}
	maxResponseMs := m.cfg.Thresholds.MaxResponseTimeMs
	m.mu.Unlock()

	var best string
	bestLoad := 0.0
	found := false
	for _, c := range components {
		if c.Status != Healthy && c.Status != Degraded {
			continue
		}
		load := c.Load(maxResponseMs)
		if !found || load < bestLoad {
			best, bestLoad, found = c.Name, load, true
		}
	}
	return best
}

// CanAccept reports whether the system should accept new work: overall
// status isn't Critical, enough healthy instances exist, and the weighted
// system load factor stays under the configured threshold.
func (m *Monitor) CanAccept() bool {
	m.mu.Lock()
	overall := m.lastOverall
	components := make([]ComponentHealth, 0, len(m.health))
	for _, c := range m.health {
		components = append(components, c)
	}
	cfg := m.cfg
	m.mu.Unlock()

	if overall == Critical {
		return false
	}

	healthyCount := 0
	var totalLoad float64
	for _, c := range components {
		if c.Status == Healthy || c.Status == Degraded {
			healthyCount++
		}
		totalLoad += c.Load(cfg.Thresholds.MaxResponseTimeMs)
	}
	if healthyCount < cfg.MinHealthyInstances {
		return false
	}
	if len(components) == 0 {
		return true
	}
	systemLoadFactor := totalLoad / float64(len(components))
	return systemLoadFactor <= cfg.LoadBalancingThreshold
}

// maybeAlert fires onAlert if status is at least Degraded and the
// component+severity key isn't within its cooldown window.
func (m *Monitor) maybeAlert(c ComponentHealth) {
	if !m.cfg.AlertingEnabled || c.Status == Healthy || c.Status == Unknown {
		return
	}
	key := c.Name + "|" + string(c.Status)

	m.alertsMu.Lock()
	last, ok := m.alertCooldown[key]
	if ok && time.Since(last) < m.cfg.AlertCooldown {
		m.alertsMu.Unlock()
		return
	}
	m.alertCooldown[key] = time.Now()

	alert := Alert{
		ID:        randomID(),
		Component: c.Name,
		Severity:  c.Status,
		Message:   c.Message,
		Timestamp: time.Now(),
	}
	m.activeAlerts = append(m.activeAlerts, alert)
	cb := m.onAlert
	m.alertsMu.Unlock()

	m.metrics.alertsTotal.Inc()
	if cb != nil {
		cb(alert)
	}
}

// ActiveAlerts returns all alerts not yet acknowledged, most recent first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	out := make([]Alert, 0, len(m.activeAlerts))
	for i := len(m.activeAlerts) - 1; i >= 0; i-- {
		if !m.activeAlerts[i].Acknowledged {
			out = append(out, m.activeAlerts[i])
		}
	}
	return out
}

// Acknowledge marks an alert acknowledged. Returns false if not found.
func (m *Monitor) Acknowledge(id string) bool {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	for i := range m.activeAlerts {
		if m.activeAlerts[i].ID == id {
			m.activeAlerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

// ClearAcknowledged drops every acknowledged alert from the active list.
func (m *Monitor) ClearAcknowledged() {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	kept := m.activeAlerts[:0]
	for _, a := range m.activeAlerts {
		if !a.Acknowledged {
			kept = append(kept, a)
		}
	}
	m.activeAlerts = kept
}

// StartBackground launches the health loop and resource loop as
// cooperative goroutines on the configured intervals. Stop via Close.
func (m *Monitor) StartBackground() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ResourceCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = m.CanAccept()
			}
		}
	}()
}

// Close stops the background loops, if running, and waits for them to
// exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	stop := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
}

func randomID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// sortedNames is a small helper for deterministic iteration over component
// health, since Go map iteration order is not stable. Nothing in this
// package calls it.
func sortedNames(components map[string]ComponentHealth) []string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
