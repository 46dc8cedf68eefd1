package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/store"
)

// ErrAlreadyConnected is returned when a session already has a live client.
var ErrAlreadyConnected = errors.New("session already has a live connection")

// Manager tracks live Processors so that at most one client streams into a
// session at a time and the HTTP stop endpoint can reach a live session.
type Manager struct {
	deps Deps

	mu   sync.Mutex
	live map[string]*Processor
}

// NewManager creates a Manager sharing deps across all processors.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps: deps,
		live: make(map[string]*Processor),
	}
}

// Connect opens a Processor for sessionID and registers it.
func (m *Manager) Connect(ctx context.Context, sessionID string, sender Sender) (*Processor, error) {
	m.mu.Lock()
	if _, ok := m.live[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	// Reserve the slot while the session loads.
	m.live[sessionID] = nil
	m.mu.Unlock()

	p, err := Open(ctx, m.deps, sessionID, sender)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.live, sessionID)
		return nil, err
	}
	m.live[sessionID] = p
	return p, nil
}

// Disconnect runs the processor's disconnect handling and unregisters it.
func (m *Manager) Disconnect(ctx context.Context, p *Processor) {
	p.OnDisconnect(ctx)
	m.Release(p)
}

// Release unregisters p without touching the session record. It is used when
// the client connection never came up.
func (m *Manager) Release(p *Processor) {
	m.mu.Lock()
	if m.live[p.sessionID] == p {
		delete(m.live, p.sessionID)
	}
	m.mu.Unlock()
}

// Live returns the registered processor for sessionID, or nil.
func (m *Manager) Live(sessionID string) *Processor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[sessionID]
}

// StopResult describes what Stop did.
type StopResult string

const (
	StopStartedProcessing StopResult = "processing"
	StopIgnored           StopResult = "ignored"
	StopRecorded          StopResult = "stopped"
	StopAlreadyClosed     StopResult = "already_closed"
)

// Stop handles an external stop request. A live session gets a regular
// RequestStop; otherwise the STOPPED transition is recorded directly.
func (m *Manager) Stop(ctx context.Context, sessionID string) (StopResult, error) {
	if p := m.Live(sessionID); p != nil {
		if p.RequestStop(ctx) {
			return StopStartedProcessing, nil
		}
		return StopIgnored, nil
	}

	sess, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess == nil {
		return "", ErrSessionNotFound
	}
	stopped, err := m.deps.Store.StopSession(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if !stopped {
		return StopAlreadyClosed, nil
	}
	return StopRecorded, nil
}

// Shutdown disconnects every live processor and waits for their stop tasks
// to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	procs := make([]*Processor, 0, len(m.live))
	for _, p := range m.live {
		if p != nil {
			procs = append(procs, p)
		}
	}
	m.mu.Unlock()

	for _, p := range procs {
		m.Disconnect(ctx, p)
	}

	waited := make(chan struct{})
	go func() {
		for _, p := range procs {
			p.Wait()
		}
		close(waited)
	}()
	select {
	case <-waited:
		log.Info().Int("sessions", len(procs)).Msg("Live sessions drained")
	case <-ctx.Done():
		log.Warn().Int("sessions", len(procs)).Msg("Shutdown deadline reached before sessions drained")
	}
}

// Store exposes the shared session store.
func (m *Manager) Store() store.SessionStore {
	return m.deps.Store
}
