// Package host is the narrow surface between the plugin runtime and the rest
// of the application: the button identity type, the callback set the
// application registers, and the display-update reconciler.
package host

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ButtonRef identifies one physical key by page and position.
type ButtonRef struct {
	Page  int `json:"page"`
	Index int `json:"index"`
}

func (b ButtonRef) String() string {
	return fmt.Sprintf("page %d button %d", b.Page, b.Index)
}

// Callbacks is invoked by the core to reach the excluded application layers
// (rendering pipeline, hardware driver, UI). Nil members are skipped.
type Callbacks struct {
	// OnDisplayUpdate receives the normalized image for a button.
	OnDisplayUpdate func(button ButtonRef, update *DisplayUpdate)
	// OnPageSwitchRequest is invoked for a granted page-switch request.
	OnPageSwitchRequest func(button ButtonRef, page int, duration time.Duration)
	// OnPageSwitch applies a page change decided by the core, such as the
	// scheduled revert after a timed switch.
	OnPageSwitch func(page int)
	// OnLog receives plugin log records attributed to their button.
	OnLog func(button ButtonRef, level slog.Level, text string)
}

// ParseLevel maps a plugin-supplied log level string onto slog's levels.
// Unknown levels fall back to info rather than being dropped.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
