package network

import (
	"go.uber.org/zap"
)

// readLoop hands every inbound frame to onFrame until the transport fails.
func (m *Manager) readLoop(t Transport, epoch uint64) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleClose(epoch, err)
			return
		}
		m.onFrame(data)
	}
}

// handleClose reacts to the transport of epoch going away. Stale
// transports, already replaced or closed by Disconnect, are ignored.
func (m *Manager) handleClose(epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateOpen {
		m.unlock()
		return
	}
	t := m.teardownLocked()
	m.logger.Warn("transport closed", zap.Error(cause))
	if m.desired {
		m.scheduleReconnectLocked()
	} else {
		m.setStateLocked(StateClosed)
	}
	m.unlock()

	if t != nil {
		_ = t.Close()
	}
}
