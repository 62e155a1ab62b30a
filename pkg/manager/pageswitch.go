package manager

import (
	"log/slog"
	"time"

	"deckhost/pkg/instance"
	"deckhost/pkg/protocol"
)

// pendingRevert is a scheduled return to the page that was active before a
// timed page switch.
type pendingRevert struct {
	timer *time.Timer
	page  int
}

// handlePageSwitchRequest arbitrates one REQUEST_PAGE_SWITCH. Without a
// grant the request is refused (ACK not granted) and logged, never
// escalated. A duration schedules an automatic revert; an overlapping
// request from the same instance replaces the pending revert timer instead
// of stacking a second one.
func (m *Manager) handlePageSwitchRequest(inst *instance.Instance, ref uint64, req protocol.RequestPageSwitch) {
	if !inst.CanSwitchPage() {
		slog.Warn("Page switch refused: no grant",
			"component", "Manager",
			"plugin", inst.Manifest.Name,
			"button", inst.Button.String(),
		)
		if err := inst.Ack(ref, false); err != nil {
			slog.Debug("Failed to ack refused page switch", "component", "Manager", "error", err)
		}
		return
	}

	duration := time.Duration(req.DurationMs) * time.Millisecond

	m.mu.Lock()
	revertPage := m.currentPage
	if prev, ok := m.reverts[inst.ID]; ok {
		// Keep the original pre-switch page as the revert target; only the
		// timer is replaced.
		prev.timer.Stop()
		revertPage = prev.page
		delete(m.reverts, inst.ID)
	}
	if duration > 0 {
		id := inst.ID
		m.reverts[id] = &pendingRevert{
			page:  revertPage,
			timer: time.AfterFunc(duration, func() { m.fireRevert(id) }),
		}
	}
	m.mu.Unlock()

	if err := inst.Ack(ref, true); err != nil {
		slog.Debug("Failed to ack page switch", "component", "Manager", "error", err)
	}

	slog.Info("Page switch granted",
		"component", "Manager",
		"plugin", inst.Manifest.Name,
		"page", req.Page,
		"duration", duration.String(),
	)
	if m.callbacks.OnPageSwitchRequest != nil {
		m.callbacks.OnPageSwitchRequest(inst.Button, req.Page, duration)
	}
}

// fireRevert applies a scheduled revert unless it was cancelled in the
// meantime by a detach, stop, or replacing request.
func (m *Manager) fireRevert(instanceID string) {
	m.mu.Lock()
	rv, ok := m.reverts[instanceID]
	delete(m.reverts, instanceID)
	m.mu.Unlock()

	if !ok {
		return
	}
	slog.Info("Reverting page after timed switch", "component", "Manager", "page", rv.page)
	if m.callbacks.OnPageSwitch != nil {
		m.callbacks.OnPageSwitch(rv.page)
	}
}

// cancelRevertLocked drops a pending revert. Callers must hold m.mu.
func (m *Manager) cancelRevertLocked(instanceID string) {
	if rv, ok := m.reverts[instanceID]; ok {
		rv.timer.Stop()
		delete(m.reverts, instanceID)
	}
}
