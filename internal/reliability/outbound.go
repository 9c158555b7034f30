package reliability

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingChunk is an outbound frame awaiting acknowledgement.
type PendingChunk struct {
	Seq     int64
	Payload []byte
	SentAt  time.Time
	Retries int
}

// SendTracked stamps payload with the next sequence number of session,
// sends it and keeps it until acknowledged. A failed write is left to the
// retransmission loop.
func (m *Manager) SendTracked(session string, payload map[string]any) (int64, error) {
	m.mu.Lock()
	conn, ok := m.conns[session]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("session %s: %w", session, ErrNotConnected)
	}
	conn.nextSeq++
	seq := conn.nextSeq
	payload["seq"] = seq
	data, err := json.Marshal(payload)
	if err != nil {
		conn.nextSeq--
		m.mu.Unlock()
		return 0, fmt.Errorf("encoding chunk: %w", err)
	}
	conn.pending[seq] = &PendingChunk{Seq: seq, Payload: data, SentAt: m.now()}
	out := conn.out
	m.mu.Unlock()

	if err := out.Send(data); err != nil {
		m.log.Warn("sending chunk failed, will retransmit", zap.String("session", session), zap.Int64("seq", seq), zap.Error(err))
	}
	return seq, nil
}

// Ack removes the chunk seq of session. It reports whether it was pending.
func (m *Manager) Ack(session string, seq int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[session]
	if !ok {
		return false
	}
	if _, ok := conn.pending[seq]; !ok {
		return false
	}
	delete(conn.pending, seq)
	return true
}

// Pending returns the number of unacknowledged chunks of session.
func (m *Manager) Pending(session string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[session]; ok {
		return len(conn.pending)
	}
	return 0
}

type resend struct {
	session string
	out     Sender
	seq     int64
	data    []byte
}

// scan retransmits every chunk older than base × 2^retries and drops the
// ones that ran out of retries.
func (m *Manager) scan(now time.Time) {
	var due []resend

	m.mu.Lock()
	for session, conn := range m.conns {
		for seq, chunk := range conn.pending {
			backoff := m.opts.RetryBase << chunk.Retries
			if now.Sub(chunk.SentAt) <= backoff {
				continue
			}
			if chunk.Retries >= m.opts.MaxRetries {
				delete(conn.pending, seq)
				m.log.Warn("dropping unacknowledged chunk", zap.String("session", session), zap.Int64("seq", seq), zap.Int("retries", chunk.Retries))
				continue
			}
			chunk.Retries++
			chunk.SentAt = now
			due = append(due, resend{session: session, out: conn.out, seq: seq, data: chunk.Payload})
		}
	}
	m.mu.Unlock()

	for _, r := range due {
		if err := r.out.Send(r.data); err != nil {
			m.log.Debug("retransmit failed", zap.String("session", r.session), zap.Int64("seq", r.seq), zap.Error(err))
		}
	}
}

// scanLoop runs scan on a ticker until stopped.
type scanLoop struct {
	once sync.Once
	quit chan struct{}
	done chan struct{}
}

func startScanLoop(interval time.Duration, scan func(time.Time)) *scanLoop {
	l := &scanLoop{quit: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.quit:
				return
			case now := <-ticker.C:
				scan(now)
			}
		}
	}()
	return l
}

func (l *scanLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// Running reports whether the retransmission loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loop != nil
}
