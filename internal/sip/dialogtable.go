package sip

import (
	"log/slog"
	"sync"
)

// dialogTable tracks the live sipgo dialogs by Call-ID so in-dialog
// requests reach the dialog that owns them.
type dialogTable struct {
	mu      sync.RWMutex
	dialogs map[string]*sipDialog // keyed by Call-ID
	logger  *slog.Logger
}

func newDialogTable(logger *slog.Logger) *dialogTable {
	return &dialogTable{
		dialogs: make(map[string]*sipDialog),
		logger:  logger.With("subsystem", "dialogs"),
	}
}

// Add registers d under its Call-ID.
func (t *dialogTable) Add(d *sipDialog) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dialogs[d.callID] = d
	t.logger.Debug("dialog added", "call_id", d.callID, "outbound", d.outbound)
}

// Remove drops d if it is still the dialog registered for its Call-ID.
func (t *dialogTable) Remove(d *sipDialog) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.dialogs[d.callID]; !ok || cur != d {
		return
	}
	delete(t.dialogs, d.callID)
	t.logger.Debug("dialog removed", "call_id", d.callID)
}

// Get returns the dialog for callID, or nil.
func (t *dialogTable) Get(callID string) *sipDialog {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.dialogs[callID]
}

// Len returns the number of live dialogs.
func (t *dialogTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.dialogs)
}
