package network

import (
	"context"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// scheduleReconnectLocked arms the single reconnect timer. Close events
// that arrive while a reconnect is pending do not arm another.
func (m *Manager) scheduleReconnectLocked() {
	if !m.desired || m.reconnect != nil {
		return
	}
	m.setStateLocked(StateReconnectPending)

	epoch := m.epoch
	m.logger.Info("reconnect scheduled", zap.Duration("delay", m.delay))
	m.reconnect = m.clock.AfterFunc(m.delay, func() {
		m.fireReconnect(epoch)
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) fireReconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || !m.desired || m.state != StateReconnectPending {
		m.unlock()
		return
	}
	m.reconnect = nil
	m.unlock()

	if err := m.attempt(context.Background(), true); err != nil {
		m.logger.Warn("reconnect failed", zap.Error(err))
	}
}

// startKeepaliveLocked emits a ping every keepalive interval until the
// transport is torn down.
func (m *Manager) startKeepaliveLocked() {
	stop := make(chan struct{})
	m.stopPing = stop
	ticker := m.clock.Ticker(m.keepalive)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Send(protocol.NewPingFrame()); err != nil {
					m.logger.Debug("keepalive ping failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}
