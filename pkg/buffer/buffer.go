// Package buffer implements the per-utterance audio buffer manager: bounded,
// memory-capped, optionally circular PCM storage with idle eviction and
// thread-safe concurrent access via a mutex-guarded map of per-utterance
// buffers.
package buffer

import (
	"math"
	"sort"
	"sync"
	"time"
)

const bytesPerSample = 4 // 32-bit float PCM

// Config controls the defaults new utterances are created with and the
// manager-wide caps.
type Config struct {
	MaxUtterances     int
	MaxBufferMB       float64
	MaxIdleMs         int64
	CleanupIntervalMs int64
	DefaultCircular   bool
}

// DefaultConfig mirrors the values implied by spec §4.1: a 2 MB cap per
// utterance (524288 float32 samples, about 32.8s of 16kHz audio; each MB
// holds about 16.4s), with idle eviction after a minute of inactivity.
func DefaultConfig() Config {
	return Config{
		MaxUtterances:     100,
		MaxBufferMB:       2,
		MaxIdleMs:         60_000,
		CleanupIntervalMs: 5_000,
	}
}

// maxSamplesFor computes floor(maxSizeMB * 2^20 / sizeof(sample)).
func maxSamplesFor(maxSizeMB float64) int {
	return int(math.Floor(maxSizeMB * 1048576 / bytesPerSample))
}

// utteranceBuffer is the storage for one utterance's PCM samples.
type utteranceBuffer struct {
	mu sync.Mutex

	samples    []float32
	maxSamples int
	writePos   int
	circular   bool

	startTime      time.Time
	lastAccessTime time.Time
	active         bool
}

func newUtteranceBuffer(maxSamples int, circular bool, now time.Time) *utteranceBuffer {
	return &utteranceBuffer{
		maxSamples:     maxSamples,
		circular:       circular,
		startTime:      now,
		lastAccessTime: now,
		active:         true,
	}
}

// add appends samples, returning the number accepted and the number dropped.
func (b *utteranceBuffer) add(samples []float32, now time.Time) (accepted, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccessTime = now

	if !b.active {
		return 0, len(samples)
	}

	if b.circular {
		for _, s := range samples {
			if len(b.samples) < b.maxSamples {
				b.samples = append(b.samples, s)
			} else {
				b.samples[b.writePos] = s
				b.writePos = (b.writePos + 1) % b.maxSamples
			}
		}
		return len(samples), 0
	}

	room := b.maxSamples - len(b.samples)
	if room <= 0 {
		return 0, len(samples)
	}
	n := len(samples)
	if n > room {
		n = room
	}
	b.samples = append(b.samples, samples[:n]...)
	return n, len(samples) - n
}

// readAll returns a chronologically ordered copy of all stored samples.
func (b *utteranceBuffer) readAll(now time.Time) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccessTime = now

	if !b.circular || len(b.samples) < b.maxSamples {
		out := make([]float32, len(b.samples))
		copy(out, b.samples)
		return out
	}

	// Circular and full: reorder starting at writePos (oldest sample).
	out := make([]float32, len(b.samples))
	n := copy(out, b.samples[b.writePos:])
	copy(out[n:], b.samples[:b.writePos])
	return out
}

// readRecent returns the last n chronologically ordered samples.
func (b *utteranceBuffer) readRecent(n int, now time.Time) []float32 {
	all := b.readAll(now)
	if n >= len(all) {
		return all
	}
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	copy(out, all[len(all)-n:])
	return out
}

func (b *utteranceBuffer) sampleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

func (b *utteranceBuffer) isActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *utteranceBuffer) setActive(flag bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = flag
}

func (b *utteranceBuffer) getLastAccess() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccessTime
}

func (b *utteranceBuffer) memoryMB() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.samples)*bytesPerSample) / 1048576
}

// Stats is a snapshot of manager-wide buffer usage.
type Stats struct {
	TotalUtterances int
	ActiveCount     int
	CurrentMemoryMB float64
	PeakMemoryMB    float64
	TotalSamples    uint64
	DroppedSamples  uint64
	Utilization     float64
}

// Manager owns all per-utterance buffers. A single mutex guards map
// membership; the per-buffer mutex guards sample storage, matching §4.1's
// "single reentrant-equivalent lock... or a per-utterance lock plus a
// map-level lock" allowance.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	buffers map[uint32]*utteranceBuffer

	droppedSamples uint64
	totalSamples   uint64
	peakMemoryMB   float64
	lastCleanup    time.Time

	now func() time.Time
}

// New creates a manager with the given config.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:         cfg,
		buffers:     make(map[uint32]*utteranceBuffer),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Create creates a new utterance buffer, evicting the oldest (by
// last-access time) utterance first if max_utterances would be exceeded.
// maxSizeMB of 0 uses the manager default.
func (m *Manager) Create(utteranceID uint32, maxSizeMB float64) bool {
	if maxSizeMB <= 0 {
		maxSizeMB = m.cfg.MaxBufferMB
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.buffers[utteranceID]; exists {
		return true
	}

	if m.cfg.MaxUtterances > 0 && len(m.buffers) >= m.cfg.MaxUtterances {
		m.evictOldestLocked()
	}

	now := m.now()
	m.buffers[utteranceID] = newUtteranceBuffer(maxSamplesFor(maxSizeMB), m.cfg.DefaultCircular, now)
	return true
}

func (m *Manager) evictOldestLocked() {
	var oldestID uint32
	var oldestTime time.Time
	first := true
	for id, buf := range m.buffers {
		t := buf.getLastAccess()
		if first || t.Before(oldestTime) {
			oldestID, oldestTime, first = id, t, false
		}
	}
	if !first {
		delete(m.buffers, oldestID)
	}
}

// Add appends samples to utteranceID, lazily creating it with default caps
// if it doesn't exist. Returns false if any samples were dropped.
func (m *Manager) Add(utteranceID uint32, samples []float32) bool {
	now := m.now()

	m.mu.Lock()
	buf, exists := m.buffers[utteranceID]
	if !exists {
		if m.cfg.MaxUtterances > 0 && len(m.buffers) >= m.cfg.MaxUtterances {
			m.evictOldestLocked()
		}
		buf = newUtteranceBuffer(maxSamplesFor(m.cfg.MaxBufferMB), m.cfg.DefaultCircular, now)
		m.buffers[utteranceID] = buf
	}
	m.mu.Unlock()

	accepted, dropped := buf.add(samples, now)
	if dropped > 0 {
		m.mu.Lock()
		m.droppedSamples += uint64(dropped)
		m.mu.Unlock()
	}
	m.mu.Lock()
	m.totalSamples += uint64(accepted)
	m.mu.Unlock()

	m.maybeCleanup(now)
	return dropped == 0
}

// ReadAll returns a chronologically ordered copy of utteranceID's samples,
// or an empty slice if the utterance doesn't exist.
func (m *Manager) ReadAll(utteranceID uint32) []float32 {
	buf := m.get(utteranceID)
	if buf == nil {
		return nil
	}
	return buf.readAll(m.now())
}

// ReadRecent returns the last n samples for utteranceID.
func (m *Manager) ReadRecent(utteranceID uint32, n int) []float32 {
	buf := m.get(utteranceID)
	if buf == nil {
		return nil
	}
	return buf.readRecent(n, m.now())
}

func (m *Manager) get(utteranceID uint32) *utteranceBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers[utteranceID]
}

// Finalize marks an utterance inactive; storage stays readable until eviction.
func (m *Manager) Finalize(utteranceID uint32) {
	if buf := m.get(utteranceID); buf != nil {
		buf.setActive(false)
	}
}

// Remove hard-deletes an utterance's storage.
func (m *Manager) Remove(utteranceID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, utteranceID)
}

// SetActive flips the active flag for an utterance.
func (m *Manager) SetActive(utteranceID uint32, flag bool) {
	if buf := m.get(utteranceID); buf != nil {
		buf.setActive(flag)
	}
}

// IsActive reports whether utteranceID exists and is active.
func (m *Manager) IsActive(utteranceID uint32) bool {
	buf := m.get(utteranceID)
	return buf != nil && buf.isActive()
}

// HasUtterance reports whether utteranceID is tracked at all (active or not).
func (m *Manager) HasUtterance(utteranceID uint32) bool {
	return m.get(utteranceID) != nil
}

// CleanupOld evicts utterances idle for longer than MaxIdleMs.
func (m *Manager) CleanupOld() int {
	now := m.now()
	cutoff := now.Add(-time.Duration(m.cfg.MaxIdleMs) * time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, buf := range m.buffers {
		if buf.getLastAccess().Before(cutoff) {
			delete(m.buffers, id)
			evicted++
		}
	}
	return evicted
}

// CleanupInactive evicts every utterance currently marked inactive.
func (m *Manager) CleanupInactive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, buf := range m.buffers {
		if !buf.isActive() {
			delete(m.buffers, id)
			evicted++
		}
	}
	return evicted
}

// ForceCleanup evicts every utterance regardless of state.
func (m *Manager) ForceCleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.buffers)
	m.buffers = make(map[uint32]*utteranceBuffer)
	return n
}

// maybeCleanup runs opportunistic cleanup: idle+inactive sweeps on a timer,
// or immediately (plus an aggressive 25% oldest-eviction pass) when the
// manager is over its global memory budget.
func (m *Manager) maybeCleanup(now time.Time) {
	m.mu.Lock()
	elapsed := now.Sub(m.lastCleanup).Milliseconds()
	overBudget := m.currentMemoryMBLocked() > float64(m.cfg.MaxUtterances)*m.cfg.MaxBufferMB
	due := m.cfg.CleanupIntervalMs > 0 && elapsed >= m.cfg.CleanupIntervalMs
	m.mu.Unlock()

	if !due && !overBudget {
		return
	}

	m.CleanupOld()
	m.CleanupInactive()

	m.mu.Lock()
	m.lastCleanup = now
	stillOver := m.currentMemoryMBLocked() > float64(m.cfg.MaxUtterances)*m.cfg.MaxBufferMB
	m.mu.Unlock()

	if stillOver {
		m.aggressiveCleanup()
	}
}

// aggressiveCleanup evicts up to 25% of utterances, oldest-by-access first.
func (m *Manager) aggressiveCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.buffers) / 4
	if n == 0 && len(m.buffers) > 0 {
		n = 1
	}
	if n == 0 {
		return
	}

	type idTime struct {
		id uint32
		t  time.Time
	}
	ordered := make([]idTime, 0, len(m.buffers))
	for id, buf := range m.buffers {
		ordered = append(ordered, idTime{id, buf.getLastAccess()})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].t.Before(ordered[j].t) })

	for i := 0; i < n && i < len(ordered); i++ {
		delete(m.buffers, ordered[i].id)
	}
}

func (m *Manager) currentMemoryMBLocked() float64 {
	var total float64
	for _, buf := range m.buffers {
		total += buf.memoryMB()
	}
	return total
}

// Stats returns a consistent snapshot of manager-wide usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalUtterances: len(m.buffers),
		DroppedSamples:  m.droppedSamples,
		TotalSamples:    m.totalSamples,
	}
	for _, buf := range m.buffers {
		if buf.isActive() {
			s.ActiveCount++
		}
		s.CurrentMemoryMB += buf.memoryMB()
	}
	if s.CurrentMemoryMB > m.peakMemoryMB {
		m.peakMemoryMB = s.CurrentMemoryMB
	}
	s.PeakMemoryMB = m.peakMemoryMB

	budget := float64(m.cfg.MaxUtterances) * m.cfg.MaxBufferMB
	if budget > 0 {
		s.Utilization = s.CurrentMemoryMB / budget
	}
	return s
}

// IsHealthy reports whether total memory is within 90% of the manager's
// configured budget (max_utterances * max_buffer_mb).
func (m *Manager) IsHealthy() bool {
	s := m.Stats()
	budget := float64(m.cfg.MaxUtterances) * m.cfg.MaxBufferMB
	return s.CurrentMemoryMB <= 0.9*budget
}

// DroppedSamples returns the running count of samples dropped on Add.
func (m *Manager) DroppedSamples() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedSamples
}
