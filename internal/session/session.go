// Package session maps user_id to container and issues short-lived session
// ids for terminal WebSockets. Sessions are ephemeral and held only in
// memory, per §3 of the specification — unlike the teacher's
// session_manager.go, nothing here is persisted to SQLite; that durability
// layer moved entirely into internal/treestore, which is the one piece of
// state the system keeps across restarts.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
	"github.com/canyouhack-org/sandboxd/internal/containerdrv"
	"github.com/canyouhack-org/sandboxd/internal/materializer"
)

// Record is a minted session: a terminal WebSocket's authorization token.
type Record struct {
	SessionID   string
	UserID      string
	ContainerID string
	CreatedAt   time.Time
}

// Manager implements C4: container lifecycle composition, session minting,
// and orphan reaping.
type Manager struct {
	driver *containerdrv.Driver
	mat    *materializer.Materializer
	log    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Record
}

func New(driver *containerdrv.Driver, mat *materializer.Materializer, log zerolog.Logger) *Manager {
	return &Manager{
		driver:   driver,
		mat:      mat,
		log:      log,
		sessions: make(map[string]*Record),
	}
}

// generateSessionID mints a 128-bit opaque token as a v4 UUID — the
// generator cuemby-warren and ehrlich-b-wingthing both reach for, replacing
// the teacher's own crypto/rand+hex GenerateID. Of the 128 bits, 122 are
// random; the other 6 hold the UUID version and variant.
func generateSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// StartSession implements §4.4's start_session: ensure the container,
// reap orphans, seed the tree, mint a session id.
func (m *Manager) StartSession(ctx context.Context, userID string) (rec Record, isNewContainer bool, err error) {
	m.reapOrphans(ctx, userID)

	h, err := m.driver.EnsureContainer(ctx, userID)
	if err != nil {
		return Record{}, false, err
	}

	m.mu.RLock()
	_, hadContainer := m.containerFor(userID)
	m.mu.RUnlock()
	isNewContainer = !hadContainer

	if err := m.mat.Seed(ctx, userID, h); err != nil {
		return Record{}, false, err
	}

	sid, err := generateSessionID()
	if err != nil {
		return Record{}, false, apperr.Wrap(apperr.KindInternal, err, "minting session id")
	}

	rec = Record{SessionID: sid, UserID: userID, ContainerID: h.ID, CreatedAt: time.Now().UTC()}
	m.mu.Lock()
	m.sessions[sid] = &rec
	m.mu.Unlock()

	return rec, isNewContainer, nil
}

func (m *Manager) containerFor(userID string) (string, bool) {
	for _, s := range m.sessions {
		if s.UserID == userID {
			return s.ContainerID, true
		}
	}
	return "", false
}

// Lookup implements §4.4's lookup: returns the same record until EndSession,
// and a zero Record with false afterwards (P7).
func (m *Manager) Lookup(sessionID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// EndSession implements §4.4's end_session.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CleanupUser implements §4.4's cleanup_user: force-remove the container
// and drop every session for userID.
func (m *Manager) CleanupUser(ctx context.Context, userID string) error {
	if err := m.driver.DeleteContainer(ctx, userID); err != nil {
		return err
	}
	m.mu.Lock()
	for sid, rec := range m.sessions {
		if rec.UserID == userID {
			delete(m.sessions, sid)
		}
	}
	m.mu.Unlock()
	return nil
}

// ReapOrphans implements §4.4's reap_orphans: remove any managed container
// not associated with a currently tracked user_id.
func (m *Manager) ReapOrphans(ctx context.Context) {
	m.reapOrphans(ctx, "")
}

// reapOrphans is ReapOrphans' implementation, with protectUserID exempting
// the user a concurrent StartSession is ensuring a container for. The
// in-memory session map is never persisted (§3), so it starts empty on
// every process restart — an empty tracked set is evidence this process
// hasn't observed any session yet, not that every running container is
// orphaned, so the sweep is skipped until at least one session is tracked.
// Without that guard the first StartSession after a restart (or the
// reaper's first tick before anyone has connected) would treat every
// user's still-running container as an orphan and delete it, defeating
// the reuse-across-sessions guarantee the container label is meant to
// back.
func (m *Manager) reapOrphans(ctx context.Context, protectUserID string) {
	managed, err := m.driver.ListManaged(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("reap_orphans: listing managed containers failed")
		return
	}

	m.mu.RLock()
	tracked := make(map[string]struct{}, len(m.sessions))
	for _, rec := range m.sessions {
		tracked[rec.UserID] = struct{}{}
	}
	m.mu.RUnlock()

	if len(tracked) == 0 {
		return
	}
	if protectUserID != "" {
		tracked[protectUserID] = struct{}{}
	}

	for _, h := range managed {
		userID, err := m.driver.UserOf(ctx, h)
		if err != nil {
			continue
		}
		if _, ok := tracked[userID]; !ok {
			m.log.Info().Str("user_id", userID).Str("container", h.Name).Msg("reaping orphaned container")
			_ = m.driver.DeleteContainer(ctx, userID)
		}
	}
}

// RunReaper periodically invokes ReapOrphans until ctx is cancelled,
// the teacher's background-ticker idiom applied to orphan sweeping instead
// of build-log polling.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.ReapOrphans(ctx)
		}
	}
}
