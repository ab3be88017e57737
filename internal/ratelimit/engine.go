package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
)

// Engine is the rate/throttle engine: it runs the IP pre-auth guard ahead
// of authentication, and after authentication runs the user's tiered
// sliding-window limits (minute/hour/day), falling back to a bounded
// throttle-queue delay rather than an outright rejection when the user's
// tier has throttling enabled.
type Engine struct {
	sliding *SlidingWindow
	fixed   *FixedWindow

	mu              sync.RWMutex
	loginIPLimit    int
	loginIPWindow   time.Duration
	loginIPDisabled bool
}

// Config carries the environment-derived knobs the engine needs.
type Config struct {
	LoginIPRateDisabled bool
	LoginIPLimit        int           // default 10
	LoginIPWindow       time.Duration // default 1 minute
}

// NewEngine builds an Engine over a counter.Store-backed sliding/fixed window pair.
func NewEngine(sliding *SlidingWindow, fixed *FixedWindow, cfg Config) *Engine {
	limit := cfg.LoginIPLimit
	if limit <= 0 {
		limit = 10
	}
	window := cfg.LoginIPWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Engine{
		sliding:         sliding,
		fixed:           fixed,
		loginIPLimit:    limit,
		loginIPWindow:   window,
		loginIPDisabled: cfg.LoginIPRateDisabled,
	}
}

// Reconfigure applies hot-reloaded login IP guard settings.
func (e *Engine) Reconfigure(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.LoginIPLimit > 0 {
		e.loginIPLimit = cfg.LoginIPLimit
	}
	if cfg.LoginIPWindow > 0 {
		e.loginIPWindow = cfg.LoginIPWindow
	}
	e.loginIPDisabled = cfg.LoginIPRateDisabled
}

// CheckLoginIP runs the pre-auth per-IP fixed-window guard on the login
// endpoint. Disabled entirely when LOGIN_IP_RATE_DISABLED is set.
func (e *Engine) CheckLoginIP(ctx context.Context, clientIP string) error {
	e.mu.RLock()
	disabled, limit, window := e.loginIPDisabled, e.loginIPLimit, e.loginIPWindow
	e.mu.RUnlock()
	if disabled {
		return nil
	}
	res, err := e.fixed.Allow(ctx, "login:"+clientIP, limit, window)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.IseInternalError, http.StatusInternalServerError, "rate limit check failed")
	}
	if !res.Allowed {
		return gwerrors.ErrRateLimited
	}
	return nil
}

// tierWindow is one of a tier's three concentric windows.
type tierWindow struct {
	name   string
	limit  int
	window time.Duration
}

func tierWindows(tier *store.Tier) []tierWindow {
	return []tierWindow{
		{"minute", tier.LimitPerMinute, time.Minute},
		{"hour", tier.LimitPerHour, time.Hour},
		{"day", tier.LimitPerDay, 24 * time.Hour},
	}
}

// CheckUserTier runs a tier's minute/hour/day sliding-window limits against
// api_id-scoped keys. Every configured window is incremented and checked;
// the first exceeded window's result is returned, otherwise the tightest
// (smallest) configured window's result drives the response headers.
func (e *Engine) CheckUserTier(ctx context.Context, username, apiID string, tier *store.Tier) (Result, error) {
	if tier == nil {
		return Result{Allowed: true}, nil
	}
	out := Result{Allowed: true}
	seen := false
	for _, w := range tierWindows(tier) {
		if w.limit <= 0 {
			continue
		}
		key := "tier:" + username + ":" + apiID + ":" + w.name
		res, err := e.sliding.Allow(ctx, key, w.limit, w.window)
		if err != nil {
			return Result{}, gwerrors.Wrap(err, gwerrors.IseInternalError, http.StatusInternalServerError, "rate limit check failed")
		}
		if !res.Allowed {
			return res, nil
		}
		if !seen {
			out = res
			seen = true
		}
	}
	return out, nil
}

// TightestLimit returns the smallest configured window's limit, used for the
// X-RateLimit-Limit header when a tier allows the call.
func TightestLimit(tier *store.Tier) int {
	for _, w := range tierWindows(tier) {
		if w.limit > 0 {
			return w.limit
		}
	}
	return 0
}

// CheckUserRate runs the single-window user-level fallback limit for users
// without a tier who carry explicit rate fields.
func (e *Engine) CheckUserRate(ctx context.Context, username, apiID string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true}, nil
	}
	if window <= 0 {
		window = time.Minute
	}
	key := "user:" + username + ":" + apiID
	res, err := e.sliding.Allow(ctx, key, limit, window)
	if err != nil {
		return Result{}, gwerrors.Wrap(err, gwerrors.IseInternalError, http.StatusInternalServerError, "rate limit check failed")
	}
	return res, nil
}

// ThrottleDecision is the outcome of evaluating a user's throttle fallback
// once their rate limit is exceeded.
type ThrottleDecision struct {
	// Wait is how long the caller should be held before retrying the
	// dispatch step; zero means reject immediately (queue full or throttling
	// disabled for this user).
	Wait time.Duration
	// QueueFull is true when the user's throttle_queue_limit would be
	// exceeded by admitting one more waiter.
	QueueFull bool
}

// MaxQueueTimeFloor is the minimum wait the throttle queue will ever impose,
// per the tier's max_queue_time_ms, never below 100ms.
const MaxQueueTimeFloor = 100 * time.Millisecond

// Throttle evaluates whether the user (whose rate limit was just exceeded)
// should be queued for ThrottleWaitDuration instead of rejected outright.
// The caller is responsible for actually sleeping Wait and re-checking
// CheckUserTier afterward; Throttle only decides the wait duration and queue
// admission, both counted via the user's own throttle queue counter key.
func (e *Engine) Throttle(ctx context.Context, user *store.User, queueDepth func() (int, error)) (ThrottleDecision, error) {
	if user.ThrottleDuration <= 0 {
		return ThrottleDecision{}, nil
	}
	if queueDepth != nil && user.ThrottleQueueLimit > 0 {
		depth, err := queueDepth()
		if err != nil {
			return ThrottleDecision{}, err
		}
		if depth >= user.ThrottleQueueLimit {
			return ThrottleDecision{QueueFull: true}, nil
		}
	}
	wait := user.ThrottleWaitDuration
	if wait < MaxQueueTimeFloor {
		wait = MaxQueueTimeFloor
	}
	return ThrottleDecision{Wait: wait}, nil
}
