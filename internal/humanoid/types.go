// internal/humanoid/types.go
package humanoid

// MouseEventType defines the type of mouse event, aligned with the CDP
// Input.dispatchMouseEvent type strings.
type MouseEventType string

const (
	MouseMove    MouseEventType = "mouseMoved"
	MousePress   MouseEventType = "mousePressed"
	MouseRelease MouseEventType = "mouseReleased"
)

// MouseButton defines the mouse button.
type MouseButton string

const (
	ButtonNone MouseButton = "none"
	ButtonLeft MouseButton = "left"
)

// MouseEventData holds the data required to dispatch a mouse event.
type MouseEventData struct {
	Type       MouseEventType
	X          float64
	Y          float64
	Button     MouseButton
	ClickCount int
	// Buttons is a bitfield of buttons currently held (1: Left).
	Buttons int64
}
