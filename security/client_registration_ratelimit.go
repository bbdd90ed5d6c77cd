package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour is the per-IP registration budget
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window registrations are
	// counted over
	DefaultRegistrationWindow = time.Hour

	// DefaultRegistrationCleanupInterval is how often idle IPs are swept
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries bounds the number of IPs tracked
	DefaultMaxRegistrationEntries = 10000
)

// registrationEntry holds the registration timestamps seen for one IP
type registrationEntry struct {
	ip            string
	registrations []time.Time
	lastAccess    time.Time
}

// ClientRegistrationRateLimiter counts registrations per IP over a sliding
// window. Unlike the token bucket limiter, the window matters here:
// registration is expensive state on the server, and an attacker cycling
// register/delete should run out of budget for a full hour, not refill
// every second. Memory is bounded the same way, by LRU eviction.
type ClientRegistrationRateLimiter struct {
	mu           sync.RWMutex
	byIP         map[string]*list.Element
	lru          *list.List
	maxPerWindow int
	window       time.Duration
	maxEntries   int

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewClientRegistrationRateLimiter creates a limiter with the default
// budget of 10 registrations per IP per hour
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig creates a limiter with a
// custom budget, window, and entry bound
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	return newRegistrationLimiter(maxPerWindow, window, maxEntries, DefaultRegistrationCleanupInterval, logger)
}

func newRegistrationLimiter(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
		logger.Warn("Invalid maxPerWindow, using default", "maxPerWindow", maxPerWindow)
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
		logger.Warn("Invalid window, using default", "window", window)
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxRegistrationEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultRegistrationCleanupInterval
	}

	rl := &ClientRegistrationRateLimiter{
		byIP:            make(map[string]*list.Element),
		lru:             list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	logger.Info("Client registration rate limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window,
		"max_entries", maxEntries)
	return rl
}

// Allow reports whether the IP still has registration budget in the
// current window, consuming one unit if so
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, ok := rl.byIP[ip]
	if !ok {
		if rl.maxEntries > 0 && len(rl.byIP) >= rl.maxEntries {
			rl.evictOldest()
		}

		entry := &registrationEntry{
			ip:            ip,
			registrations: []time.Time{now},
			lastAccess:    now,
		}
		rl.byIP[ip] = rl.lru.PushFront(entry)
		rl.totalAllowed++
		return true
	}

	rl.lru.MoveToFront(elem)
	entry := elem.Value.(*registrationEntry)
	entry.lastAccess = now

	// Drop timestamps that slid out of the window, in place
	kept := entry.registrations[:0]
	for _, t := range entry.registrations {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	entry.registrations = kept

	if len(entry.registrations) >= rl.maxPerWindow {
		rl.totalBlocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"registrations_in_window", len(entry.registrations),
			"max_per_window", rl.maxPerWindow,
			"window", rl.window,
			"total_blocked", rl.totalBlocked)
		return false
	}

	entry.registrations = append(entry.registrations, now)
	rl.totalAllowed++
	return true
}

// evictOldest drops the least recently seen IP. Caller holds the lock.
func (rl *ClientRegistrationRateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*registrationEntry)
	delete(rl.byIP, entry.ip)
	rl.lru.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Registration rate limiter LRU eviction",
		"ip", entry.ip,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.byIP))
}

func (rl *ClientRegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops IPs unseen for two full windows
func (rl *ClientRegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdleTime := rl.window * 2
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrationEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.byIP, entry.ip)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Registration rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.byIP),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// RegistrationStats holds registration limiter counters for monitoring
type RegistrationStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalAllowed   int64
	TotalEvictions int64
	TotalCleanups  int64
	MaxPerWindow   int
	Window         string

	// MemoryPressure is CurrentEntries as a percentage of MaxEntries
	MemoryPressure float64
}

// GetStats returns a snapshot of the limiter's counters
func (rl *ClientRegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := RegistrationStats{
		CurrentEntries: len(rl.byIP),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window.String(),
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
