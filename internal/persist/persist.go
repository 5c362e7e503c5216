// Package persist serializes the session registry to a durable key-value
// store and restores it across host restarts, enforcing scrollback
// truncation and an expiry window.
package persist

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/agent"
	"github.com/muxpanel/muxpanel/internal/logging"
	"github.com/muxpanel/muxpanel/internal/monitoring"
	"github.com/muxpanel/muxpanel/internal/registry"
	"github.com/muxpanel/muxpanel/internal/store"
	"github.com/muxpanel/muxpanel/internal/ui"
)

// Version is the persisted record layout version. A stored set with an
// unrecognized version is treated as corrupt.
const Version = 1

// Persistence errors.
var (
	ErrNoSnapshot   = errors.New("no persisted session set")
	ErrExpired      = errors.New("persisted session set expired")
	ErrCorrupt      = errors.New("persisted session set is corrupt")
	ErrStoreFailure = errors.New("durable store failure")
)

// Config holds persistence settings.
type Config struct {
	// Key is the store key holding the persisted set.
	Key string
	// ExpiryWindow is how old a set may be and still restore.
	ExpiryWindow time.Duration
	// ScrollbackLimit caps persisted scrollback lines per session.
	ScrollbackLimit int
	// SettleDelay is how long to wait before replaying scrollback, giving
	// the panel time to finish mounting restored terminals.
	SettleDelay time.Duration
	// AutosaveInterval is the periodic save cadence.
	AutosaveInterval time.Duration
}

// DefaultConfig returns production persistence settings.
func DefaultConfig() Config {
	return Config{
		Key:              "sessions/state",
		ExpiryWindow:     7 * 24 * time.Hour,
		ScrollbackLimit:  1000,
		SettleDelay:      250 * time.Millisecond,
		AutosaveInterval: 30 * time.Second,
	}
}

// RestoredSet reports the outcome of a successful restore.
type RestoredSet struct {
	// SessionIDs are the newly allocated IDs, in original creation order.
	SessionIDs []int
	// ActiveID is the re-selected active session, or 0.
	ActiveID int
}

// Persistence snapshots the registry into a durable store.
type Persistence struct {
	cfg     Config
	store   store.Store
	reg     *registry.Registry
	sink    ui.Sink
	logger  *logging.Logger
	metrics *monitoring.Metrics

	// now is injectable for expiry tests.
	now func() time.Time

	mu       sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Persistence over the given registry and store.
func New(cfg Config, st store.Store, reg *registry.Registry, sink ui.Sink, metrics *monitoring.Metrics, logger *logging.Logger) *Persistence {
	if logger == nil {
		logger = logging.NewNop()
	}
	if sink == nil {
		sink = ui.NopSink{}
	}
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = def.ExpiryWindow
	}
	if cfg.ScrollbackLimit <= 0 {
		cfg.ScrollbackLimit = def.ScrollbackLimit
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = def.AutosaveInterval
	}
	return &Persistence{
		cfg:     cfg,
		store:   st,
		reg:     reg,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Save captures every live session plus a current timestamp and writes the
// set to the store as one unit. Save failures are returned for logging but
// are non-fatal: the next periodic save retries.
func (p *Persistence) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	activeID, snaps := p.reg.PersistSnapshot(p.cfg.ScrollbackLimit)

	set := persistedSet{
		Version:   Version,
		Timestamp: p.now(),
		ActiveID:  activeID,
		Sessions:  make([]persistedSession, len(snaps)),
	}
	for i, snap := range snaps {
		set.Sessions[i] = persistedSession{
			ID:          snap.ID,
			Name:        snap.Name,
			Cwd:         snap.Cwd,
			IsActive:    snap.IsActive,
			AgentStatus: snap.AgentStatus,
			Scrollback:  snap.Scrollback,
		}
	}

	payload, err := encodeSet(&set)
	if err != nil {
		p.metrics.RecordPersistFailure("encode")
		return fmt.Errorf("encoding session set: %w", err)
	}
	if err := p.store.Set(p.cfg.Key, payload); err != nil {
		p.metrics.RecordPersistFailure("save")
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	p.metrics.IncPersistSaves()
	p.logger.Debug("session set saved", zap.Int("sessions", len(set.Sessions)))
	return nil
}

// Restore reads the stored set and recreates its sessions in original
// order. Expired and corrupt sets are purged and reported as errors.
// Scrollback replays after the settle delay; the originally active session
// is re-selected. CLI agent processes are never restarted: restored
// sessions with a captured agent start at Disconnected.
func (p *Persistence) Restore() (*RestoredSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload, ok, err := p.store.Get(p.cfg.Key)
	if err != nil {
		p.metrics.RecordPersistFailure("store")
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if !ok {
		return nil, ErrNoSnapshot
	}

	set, err := decodeSet(payload)
	if err != nil {
		p.metrics.RecordPersistFailure("corrupt")
		p.purge()
		return nil, err
	}

	if p.now().Sub(set.Timestamp) > p.cfg.ExpiryWindow {
		p.metrics.RecordPersistFailure("expired")
		p.purge()
		return nil, ErrExpired
	}

	restored := &RestoredSet{}
	replay := make(map[int][]string)
	newActive := 0

	for _, ps := range set.Sessions {
		id, err := p.reg.Create(registry.CreateOptions{Name: ps.Name, Cwd: ps.Cwd})
		if err != nil {
			p.logger.Error("failed to recreate session",
				zap.String("name", ps.Name), zap.Error(err))
			continue
		}
		restored.SessionIDs = append(restored.SessionIDs, id)
		if len(ps.Scrollback) > 0 {
			replay[id] = ps.Scrollback
		}
		if ps.ID == set.ActiveID || ps.IsActive {
			newActive = id
		}

		// The captured agent process is gone.
		if ps.AgentStatus != "" && ps.AgentStatus != string(agent.StatusNone) {
			p.reg.Tracker().MarkDisconnected(id, "")
		}
	}

	if newActive != 0 {
		if err := p.reg.SwitchActive(newActive); err == nil {
			restored.ActiveID = newActive
		}
	}

	if len(replay) > 0 {
		sink := p.sink
		time.AfterFunc(p.cfg.SettleDelay, func() {
			for id, lines := range replay {
				sink.Send(ui.RestoreScrollback(id, lines))
			}
		})
	}

	p.metrics.IncPersistRestores()
	p.logger.Info("session set restored",
		zap.Int("sessions", len(restored.SessionIDs)),
		zap.Int("active", restored.ActiveID))
	return restored, nil
}

// RestoreOrFresh restores the stored set, falling back to one fresh empty
// session when nothing restorable exists. It never fails the startup path.
func (p *Persistence) RestoreOrFresh() *RestoredSet {
	restored, err := p.Restore()
	if err == nil && len(restored.SessionIDs) > 0 {
		return restored
	}
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		p.logger.Warn("session restore failed, starting fresh", zap.Error(err))
	}

	id, err := p.reg.Create(registry.CreateOptions{})
	if err != nil {
		p.logger.Error("failed to create fresh session", zap.Error(err))
		return &RestoredSet{}
	}
	return &RestoredSet{SessionIDs: []int{id}, ActiveID: id}
}

// StartAutosave begins periodic saves until StopAutosave or a final save
// is requested.
func (p *Persistence) StartAutosave() {
	go func() {
		ticker := time.NewTicker(p.cfg.AutosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.Save(); err != nil {
					p.logger.Warn("periodic session save failed", zap.Error(err))
				}
			case <-p.stop:
				return
			}
		}
	}()
}

// StopAutosave halts the periodic saver. Idempotent.
func (p *Persistence) StopAutosave() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Persistence) purge() {
	if err := p.store.Delete(p.cfg.Key); err != nil {
		p.logger.Warn("failed to purge stored session set", zap.Error(err))
	}
}
