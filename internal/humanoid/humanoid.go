// internal/humanoid/humanoid.go
package humanoid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// Humanizer moves the pointer and clicks on behalf of the browser session.
type Humanizer interface {
	// MoveTo glides the pointer from its last known position to target.
	MoveTo(ctx context.Context, exec Executor, target Vector2D) error
	// Click presses and releases the left button at target, holding it briefly.
	Click(ctx context.Context, exec Executor, target Vector2D) error
	// Pause waits a random duration in [min, max].
	Pause(ctx context.Context, exec Executor, min, max time.Duration) error
}

// Humanoid produces Fitts's-law-timed Bezier movements with jitter.
type Humanoid struct {
	cfg    config.HumanoidConfig
	logger *zap.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	currentPos Vector2D
}

// New creates a Humanoid. A nil rng is seeded from the clock.
func New(cfg config.HumanoidConfig, logger *zap.Logger, rng *rand.Rand) *Humanoid {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.FittsB <= 0 {
		cfg.FittsB = 110
	}
	if cfg.ClickHoldMaxMs < cfg.ClickHoldMinMs {
		cfg.ClickHoldMaxMs = cfg.ClickHoldMinMs
	}
	return &Humanoid{
		cfg:    cfg,
		logger: logger.Named("humanoid"),
		rng:    rng,
		// Cursors rarely start at the origin.
		currentPos: Vector2D{X: 200 + rng.Float64()*400, Y: 150 + rng.Float64()*300},
	}
}

// Position returns the last dispatched pointer position.
func (h *Humanoid) Position() Vector2D {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentPos
}

// MoveTo implements Humanizer.
func (h *Humanoid) MoveTo(ctx context.Context, exec Executor, target Vector2D) error {
	start := h.Position()
	return h.simulateTrajectory(ctx, exec, start, target)
}

// Click implements Humanizer.
func (h *Humanoid) Click(ctx context.Context, exec Executor, target Vector2D) error {
	if err := h.MoveTo(ctx, exec, target); err != nil {
		return err
	}
	pos := h.Position()
	press := MouseEventData{Type: MousePress, X: pos.X, Y: pos.Y, Button: ButtonLeft, ClickCount: 1, Buttons: 1}
	if err := exec.DispatchMouseEvent(ctx, press); err != nil {
		return err
	}
	hold := time.Duration(h.randBetween(h.cfg.ClickHoldMinMs, h.cfg.ClickHoldMaxMs)) * time.Millisecond
	if err := exec.Sleep(ctx, hold); err != nil {
		return err
	}
	release := MouseEventData{Type: MouseRelease, X: pos.X, Y: pos.Y, Button: ButtonLeft, ClickCount: 1}
	return exec.DispatchMouseEvent(ctx, release)
}

// Pause implements Humanizer.
func (h *Humanoid) Pause(ctx context.Context, exec Executor, min, max time.Duration) error {
	// An empty range pauses for exactly min.
	if max <= min {
		return exec.Sleep(ctx, min)
	}
	h.mu.Lock()
	d := min + time.Duration(h.rng.Int63n(int64(max-min)))
	h.mu.Unlock()
	return exec.Sleep(ctx, d)
}

// randBetween returns a uniform int in [min, max].
func (h *Humanoid) randBetween(min, max int) int {
	if max <= min {
		return min
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return min + h.rng.Intn(max-min+1)
}

// Instant dispatches the same events as Humanoid with no intermediate
// samples and no waiting. It is used when humanization is disabled.
type Instant struct{}

// MoveTo implements Humanizer.
func (Instant) MoveTo(ctx context.Context, exec Executor, target Vector2D) error {
	return exec.DispatchMouseEvent(ctx, MouseEventData{Type: MouseMove, X: target.X, Y: target.Y, Button: ButtonNone})
}

// Click implements Humanizer.
func (i Instant) Click(ctx context.Context, exec Executor, target Vector2D) error {
	if err := i.MoveTo(ctx, exec, target); err != nil {
		return err
	}
	if err := exec.DispatchMouseEvent(ctx, MouseEventData{Type: MousePress, X: target.X, Y: target.Y, Button: ButtonLeft, ClickCount: 1, Buttons: 1}); err != nil {
		return err
	}
	return exec.DispatchMouseEvent(ctx, MouseEventData{Type: MouseRelease, X: target.X, Y: target.Y, Button: ButtonLeft, ClickCount: 1})
}

// Pause implements Humanizer.
func (Instant) Pause(ctx context.Context, _ Executor, _, _ time.Duration) error {
	return ctx.Err()
}
