// Package presence tracks which users hold a live connection and which
// connection events for them should be pushed to.
package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tawk/internal/models"
)

// Handle is a live connection events can be pushed to. Implementations must
// be comparable (pointer types) and Send must not block.
type Handle interface {
	Send(msg models.WebSocketMessage) error
}

// StatusWriter persists a user's online/offline status.
type StatusWriter interface {
	SetStatus(ctx context.Context, userID string, status models.Status) error
}

// Directory maps user ids to their most recent connection handle. A user
// holds at most one reachable handle: registering again overwrites it.
type Directory struct {
	mu      sync.RWMutex
	handles map[string]Handle

	// Status writes for one user are serialized so the persisted status
	// matches the last handle change even when register and release race.
	// Different users never wait on each other.
	locksMu sync.Mutex
	locks   map[string]*userLock

	status StatusWriter
	logger *zap.Logger
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewDirectory(status StatusWriter, logger *zap.Logger) *Directory {
	return &Directory{
		handles: make(map[string]Handle),
		locks:   make(map[string]*userLock),
		status:  status,
		logger:  logger,
	}
}

// Register binds h to userID and marks the user online. A previous handle
// for the same user is silently replaced.
func (d *Directory) Register(ctx context.Context, userID string, h Handle) {
	d.mu.Lock()
	_, replaced := d.handles[userID]
	d.handles[userID] = h
	count := len(d.handles)
	d.mu.Unlock()

	d.logger.Info("user online",
		zap.String("user_id", userID),
		zap.Bool("replaced", replaced),
		zap.Int("online", count))
	d.syncStatus(ctx, userID)
}

// Unregister clears whatever handle userID holds and marks the user offline.
func (d *Directory) Unregister(ctx context.Context, userID string) {
	d.mu.Lock()
	delete(d.handles, userID)
	count := len(d.handles)
	d.mu.Unlock()

	d.logger.Info("user offline", zap.String("user_id", userID), zap.Int("online", count))
	d.syncStatus(ctx, userID)
}

// Release unregisters userID only if h is still its registered handle. It
// is used when a connection drops so that an older connection going away
// does not take down a newer one. It reports whether h was removed.
func (d *Directory) Release(ctx context.Context, userID string, h Handle) bool {
	d.mu.Lock()
	current, ok := d.handles[userID]
	if !ok || current != h {
		d.mu.Unlock()
		return false
	}
	delete(d.handles, userID)
	count := len(d.handles)
	d.mu.Unlock()

	d.logger.Info("user dropped", zap.String("user_id", userID), zap.Int("online", count))
	d.syncStatus(ctx, userID)
	return true
}

// Lookup returns the live handle for userID. A miss is the normal
// "user offline" outcome.
func (d *Directory) Lookup(userID string) (Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[userID]
	return h, ok
}

func (d *Directory) Online() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handles)
}

// Close drops every handle. Persisted statuses are left for the next
// register/unregister to correct.
func (d *Directory) Close() {
	d.mu.Lock()
	d.handles = make(map[string]Handle)
	d.mu.Unlock()
}

func (d *Directory) syncStatus(ctx context.Context, userID string) {
	if d.status == nil {
		return
	}

	unlock := d.lockUser(userID)
	defer unlock()

	status := models.StatusOffline
	if _, ok := d.Lookup(userID); ok {
		status = models.StatusOnline
	}
	if err := d.status.SetStatus(ctx, userID, status); err != nil {
		d.logger.Warn("persist status failed",
			zap.String("user_id", userID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// lockUser takes the status lock for userID. Entries are dropped once no
// caller holds or waits on them.
func (d *Directory) lockUser(userID string) (unlock func()) {
	d.locksMu.Lock()
	l, ok := d.locks[userID]
	if !ok {
		l = &userLock{}
		d.locks[userID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(d.locks, userID)
		}
		d.locksMu.Unlock()
	}
}
