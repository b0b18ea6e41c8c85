// ABOUTME: Periodic sweep that fails image generations stuck without a job
// ABOUTME: Covers synchronous generations interrupted before a job was recorded

package conversation

import (
	"time"
)

func (m *Manager) watchdog(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopWatchdog:
			return
		case <-ticker.C:
			if n := m.failStuckImages(); n > 0 {
				m.logger.Warn("failed stuck image generations", "count", n)
			}
		}
	}
}

// failStuckImages fails generating messages that have no job record and are
// older than StuckAfter. Messages backed by a job are left to the poller.
func (m *Manager) failStuckImages() int {
	type ref struct{ conv, msg string }

	now := m.now()
	var stuck []ref
	m.mu.Lock()
	for _, conv := range m.list {
		for i := range conv.Messages {
			msg := &conv.Messages[i]
			if msg.IsImageGeneration() && msg.IsGeneratingImage && msg.Job == nil &&
				now.Sub(msg.Timestamp) > m.opts.StuckAfter {
				stuck = append(stuck, ref{conv.ID, msg.ID})
			}
		}
	}
	m.mu.Unlock()

	for _, r := range stuck {
		m.failImage(r.conv, r.msg, nil, "image generation timed out")
	}
	return len(stuck)
}
