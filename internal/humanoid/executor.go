// Filename: internal/humanoid/executor.go
package humanoid

import (
	"context"
	"time"
)

// Executor is the browser side of a movement: something that can wait and
// dispatch raw mouse events. The browser session implements it over CDP;
// tests record the calls.
type Executor interface {
	// Sleep pauses execution, respecting context cancellation.
	Sleep(ctx context.Context, d time.Duration) error
	DispatchMouseEvent(ctx context.Context, data MouseEventData) error
}
