// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/humanoid"
)

// sessionCloseGrace bounds each session's close during shutdown.
const sessionCloseGrace = 10 * time.Second

// ErrManagerClosed is returned by NewSession after Shutdown started.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager hands out one freshly launched, stealth-configured Chrome per run
// and makes sure every one of them is gone on shutdown.
type Manager struct {
	logger *zap.Logger
	cfg    config.Interface

	// mu guards sessions and closing.
	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	// wg counts sessions from launch until their Close finishes.
	wg sync.WaitGroup
}

var _ schemas.BrowserManager = (*Manager)(nil)

// NewManager creates a manager. No browser starts until NewSession.
func NewManager(cfg config.Interface, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created.", zap.Bool("headless", cfg.Browser().Headless))
	return m
}

// NewSession launches a browser for runID.
func (m *Manager) NewSession(ctx context.Context, runID string) (schemas.BrowserSession, error) {
	// 1. Refuse new work once shutdown started.
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	// 2. Launch outside the lock; Chrome can take seconds to start.
	bcfg := m.cfg.Browser()
	s, err := newSession(ctx, runID, bcfg, m.humanizer(bcfg), m.logger)
	if err != nil {
		m.wg.Done()
		return nil, fmt.Errorf("failed to create browser session: %w", err)
	}

	// 3. Track it until it closes.
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

// humanizer picks the input timing model for a new session.
func (m *Manager) humanizer(cfg config.BrowserConfig) humanoid.Humanizer {
	if !cfg.Humanoid.Enabled {
		return humanoid.Instant{}
	}
	return humanoid.New(cfg.Humanoid, m.logger, nil)
}

// Shutdown closes every open session and waits for the browsers to exit,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	// Snapshot under the lock; Close calls onClose, which takes it again.
	m.mu.Lock()
	m.closing = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated.", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		closeCtx, cancel := context.WithTimeout(ctx, sessionCloseGrace)
		_ = s.Close(closeCtx)
		cancel()
	}

	// Sessions closed by their runs also count toward the wait.
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All browser sessions closed.")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded with sessions still open.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
