package services

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/makersgate/creator_api/dto"
	"github.com/makersgate/creator_api/shared"
	log "github.com/sirupsen/logrus"
)

// SlidingWindowLimiter counts requests per key over a trailing window.
// Timestamps older than the window are pruned lazily on each check and
// rejected requests never consume budget. Keys live in a bounded LRU so
// memory stays capped regardless of client cardinality.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *rateWindow]
	now     func() time.Time
}

type rateWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

func NewSlidingWindowLimiter(capacity int) (*SlidingWindowLimiter, error) {
	windows, err := lru.New[string, *rateWindow](capacity)
	if err != nil {
		return nil, err
	}
	return &SlidingWindowLimiter{
		windows: windows,
		now:     time.Now,
	}, nil
}

// Check prunes the key's window, then admits the request if the count is
// below limit. The per-key critical section covers read-prune-append so
// concurrent checks on the same key never interleave.
func (l *SlidingWindowLimiter) Check(key string, limit int, window time.Duration) dto.RateLimitInfo {
	l.mu.Lock()
	w, ok := l.windows.Get(key)
	if !ok {
		w = &rateWindow{}
		l.windows.Add(key, w)
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= limit {
		resetTime := now.Add(window)
		if len(w.timestamps) > 0 {
			resetTime = w.timestamps[0].Add(window)
		}
		return dto.RateLimitInfo{
			Allowed:   false,
			Remaining: 0,
			ResetTime: &resetTime,
		}
	}

	w.timestamps = append(w.timestamps, now)

	resetTime := w.timestamps[0].Add(window)
	remaining := limit - len(w.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return dto.RateLimitInfo{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: &resetTime,
	}
}

// Len reports the number of tracked keys.
func (l *SlidingWindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows.Len()
}

type RateLimitService struct {
	context.DefaultService

	configs map[string]*RateLimitConfig
	mutex   sync.RWMutex

	ipLimiter    *SlidingWindowLimiter
	eventLimiter *SlidingWindowLimiter

	ipLimit  int
	ipWindow time.Duration
}

// RateLimitConfig represents rate limiting configuration per event type
type RateLimitConfig struct {
	EventType   string        `json:"event_type"`
	MaxRequests int           `json:"max_requests"`
	WindowSize  time.Duration `json:"window_size"`
	Description string        `json:"description"`
	IsActive    bool          `json:"is_active"`
}

const RATE_LIMIT_SVC = "rate_limit_svc"

const (
	defaultIPLimit  = 100
	defaultIPWindow = 15 * time.Minute

	ipKeyCapacity    = 500
	eventKeyCapacity = 1000
)

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *context.Context) error {
	svc.ipLimit = defaultIPLimit
	if v := os.Getenv("WEBHOOK_IP_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			svc.ipLimit = parsed
		}
	}

	svc.ipWindow = defaultIPWindow
	if v := os.Getenv("WEBHOOK_IP_WINDOW"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			svc.ipWindow = parsed
		}
	}

	svc.configs = make(map[string]*RateLimitConfig)
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	var err error
	if svc.ipLimiter, err = NewSlidingWindowLimiter(ipKeyCapacity); err != nil {
		return err
	}
	if svc.eventLimiter, err = NewSlidingWindowLimiter(eventKeyCapacity); err != nil {
		return err
	}

	svc.initDefaultConfigs()
	return nil
}

// ==================== CONFIGURATION MANAGEMENT ====================

func (svc *RateLimitService) initDefaultConfigs() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	svc.configs = map[string]*RateLimitConfig{
		// High-frequency purchase confirmations
		"checkout.session.completed": {
			EventType:   "checkout.session.completed",
			MaxRequests: 300,
			WindowSize:  15 * time.Minute,
			Description: "Checkout completion rate limit",
			IsActive:    true,
		},

		// Subscription lifecycle is low-frequency per client
		"customer.subscription.created": {
			EventType:   "customer.subscription.created",
			MaxRequests: 30,
			WindowSize:  15 * time.Minute,
			Description: "Subscription creation rate limit",
			IsActive:    true,
		},
		"customer.subscription.updated": {
			EventType:   "customer.subscription.updated",
			MaxRequests: 120,
			WindowSize:  15 * time.Minute,
			Description: "Subscription update rate limit",
			IsActive:    true,
		},
		"customer.subscription.deleted": {
			EventType:   "customer.subscription.deleted",
			MaxRequests: 60,
			WindowSize:  15 * time.Minute,
			Description: "Subscription deletion rate limit",
			IsActive:    true,
		},
		"customer.subscription.resumed": {
			EventType:   "customer.subscription.resumed",
			MaxRequests: 30,
			WindowSize:  15 * time.Minute,
			Description: "Subscription resume rate limit",
			IsActive:    true,
		},

		"invoice.payment_failed": {
			EventType:   "invoice.payment_failed",
			MaxRequests: 120,
			WindowSize:  15 * time.Minute,
			Description: "Failed invoice rate limit",
			IsActive:    true,
		},
		"invoice.payment_action_required": {
			EventType:   "invoice.payment_action_required",
			MaxRequests: 120,
			WindowSize:  15 * time.Minute,
			Description: "Invoice action-required rate limit",
			IsActive:    true,
		},

		// Merchant account events
		"account.updated": {
			EventType:   "account.updated",
			MaxRequests: 60,
			WindowSize:  15 * time.Minute,
			Description: "Merchant account update rate limit",
			IsActive:    true,
		},
		"account.application.deauthorized": {
			EventType:   "account.application.deauthorized",
			MaxRequests: 30,
			WindowSize:  15 * time.Minute,
			Description: "Merchant deauthorization rate limit",
			IsActive:    true,
		},
	}
}

// ==================== CORE RATE LIMITING LOGIC ====================

// CheckIP applies the generic per-client ceiling guarding the whole
// webhook surface.
func (svc *RateLimitService) CheckIP(clientID string) dto.RateLimitInfo {
	svc.mutex.RLock()
	limiter := svc.ipLimiter
	svc.mutex.RUnlock()

	return limiter.Check(clientID, svc.ipLimit, svc.ipWindow)
}

// CheckEvent applies the per-event-type ceiling for a verified event.
// Event types without a config are allowed through. Config values are
// copied out under the lock; admin updates mutate them in place.
func (svc *RateLimitService) CheckEvent(clientID, eventType string) dto.RateLimitInfo {
	svc.mutex.RLock()
	limiter := svc.eventLimiter
	config, exists := svc.configs[eventType]
	active := exists && config.IsActive
	var maxRequests int
	var windowSize time.Duration
	if active {
		maxRequests = config.MaxRequests
		windowSize = config.WindowSize
	}
	svc.mutex.RUnlock()

	if !active {
		return dto.RateLimitInfo{Allowed: true, Remaining: -1}
	}

	key := fmt.Sprintf("%s:%s", clientID, eventType)
	info := limiter.Check(key, maxRequests, windowSize)
	if !info.Allowed {
		webhookRateLimitRejections.WithLabelValues("event").Inc()
		log.WithFields(log.Fields{
			"client":     clientID,
			"event_type": eventType,
		}).Warn("Event rate limit exceeded")
	}
	return info
}

// ==================== MIDDLEWARE FUNCTIONS ====================

// IPRateLimit applies general rate limiting by client identifier
func (svc *RateLimitService) IPRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := svc.ClientKey(c)

		info := svc.CheckIP(clientID)
		svc.addRateLimitHeaders(c, &info)

		if !info.Allowed {
			webhookRateLimitRejections.WithLabelValues("ip").Inc()
			log.WithFields(log.Fields{"client": clientID}).Warn("IP rate limit exceeded")
			return svc.handleRateLimitExceeded(c, &info)
		}

		return c.Next()
	}
}

// ==================== HELPER FUNCTIONS ====================

// ClientKey resolves the identifier the limiters bucket on. Clients with
// no usable IP get a composite key from low-entropy headers instead of a
// shared "unknown" bucket, so one unidentified client cannot starve the
// rest. The weakness of that composite is a known tradeoff; availability
// wins over strict fairness here.
func (svc *RateLimitService) ClientKey(c *fiber.Ctx) string {
	if ip := getClientIP(c); ip != "" {
		return ip
	}

	h := fnv.New64a()
	h.Write([]byte(c.Get(fiber.HeaderUserAgent)))
	h.Write([]byte{0})
	h.Write([]byte(c.Get(fiber.HeaderAcceptLanguage)))
	h.Write([]byte{0})
	h.Write([]byte(c.Get(fiber.HeaderAccept)))
	key := fmt.Sprintf("anon:%x", h.Sum64())

	log.WithFields(log.Fields{"key": key}).Warn("Client IP unresolvable, using composite header key")
	return key
}

func (svc *RateLimitService) addRateLimitHeaders(c *fiber.Ctx, info *dto.RateLimitInfo) {
	if info == nil {
		return
	}

	if info.Remaining >= 0 {
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}

	if info.ResetTime != nil {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
		if !info.Allowed {
			retryAfter := int(time.Until(*info.ResetTime).Seconds())
			if retryAfter > 0 {
				c.Set("Retry-After", strconv.Itoa(retryAfter))
			}
		}
	}
}

func (svc *RateLimitService) handleRateLimitExceeded(c *fiber.Ctx, info *dto.RateLimitInfo) error {
	response := map[string]interface{}{
		"error":   "Rate limit exceeded",
		"message": "Too many requests. Please slow down.",
	}

	if info.ResetTime != nil {
		response["reset_at"] = info.ResetTime.Unix()
		response["retry_after"] = int(time.Until(*info.ResetTime).Seconds())
	}

	return shared.ResponseJSON(c, http.StatusTooManyRequests, "Rate limit exceeded", response)
}

// ==================== UTILITY FUNCTIONS ====================

func getClientIP(c *fiber.Ctx) string {
	// Check for forwarded IP first (for load balancers/proxies)
	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	// Check for real IP header
	realIP := c.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	// Check Cloudflare header
	cfIP := c.Get("CF-Connecting-IP")
	if cfIP != "" {
		return cfIP
	}

	// Fall back to remote address
	remote := c.Context().RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}

	return ip
}

// ==================== ADMIN FUNCTIONS ====================

func (svc *RateLimitService) GetRateLimitStats() fiber.Handler {
	return func(c *fiber.Ctx) error {
		svc.mutex.RLock()
		configs := make(map[string]RateLimitConfig, len(svc.configs))
		for k, v := range svc.configs {
			configs[k] = *v
		}
		ipLimiter := svc.ipLimiter
		eventLimiter := svc.eventLimiter
		svc.mutex.RUnlock()

		stats := map[string]interface{}{
			"configs":            configs,
			"ip_limit":           svc.ipLimit,
			"ip_window_seconds":  int(svc.ipWindow.Seconds()),
			"tracked_ip_keys":    ipLimiter.Len(),
			"tracked_event_keys": eventLimiter.Len(),
			"timestamp":          time.Now(),
		}

		return shared.ResponseJSON(c, http.StatusOK, "Rate limit statistics", stats)
	}
}

// ResetLimiters drops all tracked windows, unblocking every client.
func (svc *RateLimitService) ResetLimiters() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := svc.resetLimiters(); err != nil {
			return err
		}

		log.Warn("Rate limiter state reset by admin")
		return shared.ResponseJSON(c, http.StatusOK, "Rate limiters reset", nil)
	}
}

func (svc *RateLimitService) resetLimiters() error {
	ipLimiter, err := NewSlidingWindowLimiter(ipKeyCapacity)
	if err != nil {
		return err
	}
	eventLimiter, err := NewSlidingWindowLimiter(eventKeyCapacity)
	if err != nil {
		return err
	}

	svc.mutex.Lock()
	svc.ipLimiter = ipLimiter
	svc.eventLimiter = eventLimiter
	svc.mutex.Unlock()
	return nil
}

func (svc *RateLimitService) UpdateConfig() fiber.Handler {
	return func(c *fiber.Ctx) error {
		eventType := c.Params("eventType")

		var req dto.UpdateRateLimitConfigRequest
		if err := c.BodyParser(&req); err != nil {
			return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request body", err.Error())
		}
		if err := req.Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.CreateValidationErrorResponse(err))
		}

		svc.mutex.Lock()
		config, exists := svc.configs[eventType]
		if !exists {
			svc.mutex.Unlock()
			return shared.ResponseJSON(c, http.StatusNotFound, "Event type not found", nil)
		}

		if req.MaxRequests > 0 {
			config.MaxRequests = req.MaxRequests
		}

		if req.WindowSize != "" {
			if duration, err := time.ParseDuration(req.WindowSize); err == nil {
				config.WindowSize = duration
			}
		}

		if req.IsActive != nil {
			config.IsActive = *req.IsActive
		}

		updated := *config
		svc.mutex.Unlock()

		return shared.ResponseJSON(c, http.StatusOK, "Configuration updated successfully", updated)
	}
}
