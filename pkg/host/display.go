package host

import (
	"context"
	"log/slog"

	"deckhost/pkg/protocol"
)

// RawImage is an already-encoded pixel buffer for a button.
type RawImage struct {
	Data   []byte
	Format string
}

// RenderInstruction describes what the rendering pipeline should draw.
type RenderInstruction struct {
	Text       string
	Icon       string
	Foreground string
	Background string
	Align      string
}

// DisplayUpdate is the normalized form of both update messages a plugin may
// send. Exactly one of Raw and Render is set.
type DisplayUpdate struct {
	Raw    *RawImage
	Render *RenderInstruction
}

// FromRaw normalizes an UPDATE_IMAGE_RAW message.
func FromRaw(m protocol.UpdateImageRaw) *DisplayUpdate {
	return &DisplayUpdate{Raw: &RawImage{Data: m.Data, Format: m.Format}}
}

// FromRender normalizes an UPDATE_IMAGE_RENDER message.
func FromRender(m protocol.UpdateImageRender) *DisplayUpdate {
	return &DisplayUpdate{Render: &RenderInstruction{
		Text:       m.Text,
		Icon:       m.Icon,
		Foreground: m.Foreground,
		Background: m.Background,
		Align:      m.Align,
	}}
}

// Reconciler coalesces display updates per button with last-write-wins
// semantics: an update superseded while still pending is never applied,
// regardless of which form either update used.
type Reconciler struct {
	apply   func(ButtonRef, *DisplayUpdate)
	pending chan map[ButtonRef]*DisplayUpdate
	notify  chan struct{}
}

// NewReconciler creates a reconciler that hands applied updates to apply.
func NewReconciler(apply func(ButtonRef, *DisplayUpdate)) *Reconciler {
	r := &Reconciler{
		apply:   apply,
		pending: make(chan map[ButtonRef]*DisplayUpdate, 1),
		notify:  make(chan struct{}, 1),
	}
	r.pending <- make(map[ButtonRef]*DisplayUpdate)
	return r
}

// Submit records update as the pending image for button, replacing any
// update for the same button that has not been applied yet.
func (r *Reconciler) Submit(button ButtonRef, update *DisplayUpdate) {
	m := <-r.pending
	m[button] = update
	r.pending <- m

	select {
	case r.notify <- struct{}{}:
	default: // Apply loop already has a wakeup queued
	}
}

// Run drains pending updates until ctx is cancelled. Updates for distinct
// buttons are applied in no particular order; per button only the most
// recent survives.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("Starting display reconciler", "component", "Reconciler")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping display reconciler", "component", "Reconciler")
			return
		case <-r.notify:
			r.drain()
		}
	}
}

// drain swaps out the pending map and applies its contents.
func (r *Reconciler) drain() {
	m := <-r.pending
	r.pending <- make(map[ButtonRef]*DisplayUpdate)

	for button, update := range m {
		if r.apply != nil {
			r.apply(button, update)
		}
	}
}
