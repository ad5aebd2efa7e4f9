package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/flowmesh/worksync/internal/conflict"
	"github.com/flowmesh/worksync/internal/queue"
)

const (
	defaultSyncInterval   = 5 * time.Minute
	defaultDebounceWindow = 5 * time.Second
)

// Policy decides how detected conflicts are handled.
type Policy string

const (
	PolicyManual     Policy = "manual"
	PolicyAutoLocal  Policy = "auto_local"
	PolicyAutoRemote Policy = "auto_remote"
)

// Scope is the slice of configuration a targeted sync covers. Broader
// scopes rank higher when coalescing bursts of changes.
type Scope string

const (
	ScopeFull        Scope = "full"
	ScopeWorkspaces  Scope = "workspaces"
	ScopePlugins     Scope = "plugins"
	ScopePreferences Scope = "preferences"
)

func (s Scope) rank() int {
	switch s {
	case ScopeFull:
		return 0
	case ScopeWorkspaces:
		return 1
	case ScopePlugins:
		return 2
	default:
		return 3
	}
}

// Events are optional coordinator lifecycle callbacks. Handlers run on
// the coordinator's goroutine; panics are recovered and logged.
type Events struct {
	SyncStarted       func(*Session)
	SyncCompleted     func(*Session)
	SyncFailed        func(*Session)
	ConflictsDetected func([]*conflict.Conflict)
	TransportError    func(transport string, err error)
	AutoSyncStarted   func(interval time.Duration)
	AutoSyncStopped   func()
	AutoSyncError     func(err error)
}

// Config configures a Coordinator.
type Config struct {
	DeviceID       string
	Policy         Policy
	AutoSync       bool
	SyncInterval   time.Duration
	DebounceWindow time.Duration
	HistoryLimit   int
}

func (c *Config) withDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyManual
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = sessionHistoryLimit
	}
}

// Coordinator drives sync sessions across the configured transports,
// feeding snapshots to the conflict detector, applying the resolution
// policy and keeping session history and rolling statistics.
type Coordinator struct {
	cfg        Config
	detector   *conflict.Detector
	transports []Transport
	events     Events

	mu             sync.Mutex
	status         Status
	lastSync       time.Time
	lastError      *LastError
	stats          Stats
	pendingChanges int
	sessions       []*Session
	closed         bool

	debounce      *time.Timer
	pendingScopes *queue.PriorityQueue[Scope]

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
}

// NewCoordinator creates a coordinator. Transports are tried in the
// given order on every pass.
func NewCoordinator(cfg Config, detector *conflict.Detector, transports []Transport, events Events) *Coordinator {
	cfg.withDefaults()
	return &Coordinator{
		cfg:           cfg,
		detector:      detector,
		transports:    transports,
		events:        events,
		status:        StatusIdle,
		pendingScopes: queue.NewPriorityQueue[Scope](),
	}
}

// State returns a snapshot of the coordinator's sync state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	st := State{
		Status:         c.status,
		LastSync:       c.lastSync,
		LastError:      c.lastError,
		Stats:          c.stats,
		PendingChanges: c.pendingChanges,
	}
	c.mu.Unlock()

	st.Conflicts = len(c.detector.Conflicts())
	if cur := c.detector.Current(); cur != nil {
		st.VectorClock = cur.VectorClock
	}
	return st
}

// Sessions returns the session history, most recent first.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Pause stops syncs from starting until Resume.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusIdle || c.status == StatusError {
		c.status = StatusPaused
	}
}

// Resume lifts a pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPaused {
		c.status = StatusIdle
	}
}

// PerformFullSync runs one session over every available transport in
// order. Per-transport failures are recorded in the session and do not
// abort the remaining transports; the session fails if any error occurred.
func (c *Coordinator) PerformFullSync(ctx context.Context) (*Session, error) {
	session, err := c.beginSession()
	if err != nil {
		return nil, err
	}
	c.emitStarted(session)

	for _, t := range c.transports {
		if !t.IsAvailable() {
			slog.Debug("sync transport skipped", "transport", t.Name(), "reason", ErrTransportUnavailable)
			continue
		}

		changes, conflictCount, err := c.syncTransport(ctx, t, ScopeFull, nil)
		if err != nil {
			session.Errors = append(session.Errors, fmt.Sprintf("%s: %v", t.Name(), err))
			c.emitTransportError(t.Name(), err)
			continue
		}
		session.Changes += changes
		session.Conflicts += conflictCount
	}

	c.endSession(session)
	return session, nil
}

// SyncWorkspaceSettings syncs only the workspace slice through the first
// transport that responds. An empty workspaceID syncs all workspaces.
func (c *Coordinator) SyncWorkspaceSettings(ctx context.Context, workspaceID string) (*Session, error) {
	var ids []string
	if workspaceID != "" {
		ids = []string{workspaceID}
	}
	return c.targetedSync(ctx, ScopeWorkspaces, ids)
}

// SyncPluginConfigurations syncs only the plugin slice. With no ids all
// plugins are synced.
func (c *Coordinator) SyncPluginConfigurations(ctx context.Context, pluginIDs []string) (*Session, error) {
	return c.targetedSync(ctx, ScopePlugins, pluginIDs)
}

// SyncUserPreferences syncs only the preferences slice.
func (c *Coordinator) SyncUserPreferences(ctx context.Context) (*Session, error) {
	return c.targetedSync(ctx, ScopePreferences, nil)
}

// targetedSync runs one scope-filtered sync through the first transport
// that completes. If every transport fails the session fails with
// ErrAllTransportsFailed.
func (c *Coordinator) targetedSync(ctx context.Context, scope Scope, ids []string) (*Session, error) {
	session, err := c.beginSession()
	if err != nil {
		return nil, err
	}
	c.emitStarted(session)

	tried := 0
	done := false
	for _, t := range c.transports {
		if !t.IsAvailable() {
			continue
		}
		tried++

		changes, conflictCount, err := c.syncTransport(ctx, t, scope, ids)
		if err != nil {
			session.Errors = append(session.Errors, fmt.Sprintf("%s: %v", t.Name(), err))
			c.emitTransportError(t.Name(), err)
			continue
		}
		session.Changes += changes
		session.Conflicts += conflictCount
		// first responding transport wins for targeted syncs
		session.Errors = nil
		done = true
		break
	}

	if !done {
		if tried == 0 {
			session.Errors = append(session.Errors, ErrNoTransports.Error())
		}
		c.endSession(session)
		return session, fmt.Errorf("%w: scope %s", ErrAllTransportsFailed, scope)
	}

	c.endSession(session)
	return session, nil
}

// syncTransport runs download -> detect -> merge/resolve -> upload for a
// single transport. Returns the change and conflict counts.
func (c *Coordinator) syncTransport(ctx context.Context, t Transport, scope Scope, ids []string) (int, int, error) {
	remote, err := t.DownloadConfiguration(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("download: %w", err)
	}

	if remote == nil {
		// nothing remote yet, seed it
		if err := c.upload(ctx, t, scope, ids); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil
	}

	if scope != ScopeFull {
		remote = filterSnapshot(remote, scope, ids)
	}

	res, err := c.detector.SyncSettings(remote)
	if err != nil {
		return 0, 0, fmt.Errorf("merge: %w", err)
	}

	if res.Success {
		if res.Changes > 0 || scope != ScopeFull {
			if err := c.upload(ctx, t, scope, ids); err != nil {
				return res.Changes, 0, err
			}
		}
		return res.Changes, 0, nil
	}

	// conflicts
	conflictCount := len(res.Conflicts)
	c.emitConflicts(res.Conflicts)

	if c.cfg.Policy == PolicyManual {
		slog.Warn("sync conflicts pending manual resolution", "transport", t.Name(), "count", conflictCount)
		return 0, conflictCount, nil
	}

	resolution := conflict.ResolutionLocal
	if c.cfg.Policy == PolicyAutoRemote {
		resolution = conflict.ResolutionRemote
	}

	resolved := 0
	for _, cf := range res.Conflicts {
		if _, err := c.detector.ResolveConflict(conflict.ResolveRequest{
			ConflictID: cf.ID,
			Resolution: resolution,
		}); err != nil {
			return 0, conflictCount, fmt.Errorf("auto-resolve %s: %w", cf.ID, err)
		}
		resolved++
	}

	c.mu.Lock()
	c.stats.ConflictsResolved += uint64(resolved)
	c.mu.Unlock()

	if err := c.upload(ctx, t, scope, ids); err != nil {
		return resolved, conflictCount, err
	}
	return resolved, conflictCount, nil
}

// ApplyRemoteSnapshot feeds a snapshot pushed over the real-time channel
// through the detector, applying the auto-resolution policy. Unlike a
// session-based sync nothing is uploaded; the pushing side already has
// the data.
func (c *Coordinator) ApplyRemoteSnapshot(remote *conflict.Snapshot) (*conflict.SyncResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	c.mu.Unlock()

	res, err := c.detector.SyncSettings(remote)
	if err != nil {
		return nil, err
	}
	if res.Success || c.cfg.Policy == PolicyManual {
		if !res.Success {
			c.emitConflicts(res.Conflicts)
		}
		return res, nil
	}

	resolution := conflict.ResolutionLocal
	if c.cfg.Policy == PolicyAutoRemote {
		resolution = conflict.ResolutionRemote
	}
	for _, cf := range res.Conflicts {
		if _, err := c.detector.ResolveConflict(conflict.ResolveRequest{
			ConflictID: cf.ID,
			Resolution: resolution,
		}); err != nil {
			return res, fmt.Errorf("auto-resolve %s: %w", cf.ID, err)
		}
	}

	c.mu.Lock()
	c.stats.ConflictsResolved += uint64(len(res.Conflicts))
	c.mu.Unlock()
	return res, nil
}

// upload pushes the current (scope-filtered) snapshot through a transport
// and accounts the synced bytes.
func (c *Coordinator) upload(ctx context.Context, t Transport, scope Scope, ids []string) error {
	snap := c.detector.Current()
	if snap == nil {
		return conflict.ErrNotInitialized
	}
	if scope != ScopeFull {
		snap = filterSnapshot(snap, scope, ids)
	}

	if err := t.UploadConfiguration(ctx, snap); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if data, err := gojson.Marshal(snap); err == nil {
		c.mu.Lock()
		c.stats.BytesSynced += uint64(len(data))
		c.mu.Unlock()
	}
	return nil
}

// filterSnapshot reduces a snapshot to one scope, optionally to specific
// entity ids within that scope.
func filterSnapshot(s *conflict.Snapshot, scope Scope, ids []string) *conflict.Snapshot {
	out := s.Clone()
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	switch scope {
	case ScopeWorkspaces:
		out.Plugins = nil
		out.Preferences = nil
		if len(keep) > 0 {
			filtered := out.Workspaces[:0]
			for _, w := range out.Workspaces {
				if _, ok := keep[w.ID]; ok {
					filtered = append(filtered, w)
				}
			}
			out.Workspaces = filtered
		}

	case ScopePlugins:
		out.Workspaces = nil
		out.Preferences = nil
		if len(keep) > 0 {
			for id := range out.Plugins {
				if _, ok := keep[id]; !ok {
					delete(out.Plugins, id)
				}
			}
		}

	case ScopePreferences:
		out.Workspaces = nil
		out.Plugins = nil
	}
	return out
}

// beginSession transitions to syncing and opens a new session.
func (c *Coordinator) beginSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	switch c.status {
	case StatusSyncing:
		return nil, ErrSyncInProgress
	case StatusPaused:
		return nil, fmt.Errorf("%w: coordinator paused", ErrSyncInProgress)
	}

	session := newSession()
	session.start()
	c.status = StatusSyncing
	c.pendingChanges = 0
	c.sessions = append([]*Session{session}, c.sessions...)
	if len(c.sessions) > c.cfg.HistoryLimit {
		c.sessions = c.sessions[:c.cfg.HistoryLimit]
	}
	return session, nil
}

// endSession finalizes a session and folds it into the rolling stats.
func (c *Coordinator) endSession(session *Session) {
	session.finish()

	c.mu.Lock()
	failed := session.Status == SessionFailed
	c.stats.record(session.Duration(), failed)
	c.lastSync = session.EndTime
	if failed {
		c.status = StatusError
		c.lastError = &LastError{
			Message:   session.Errors[0],
			Timestamp: session.EndTime,
			Code:      "sync_failed",
		}
	} else {
		c.status = StatusIdle
		c.lastError = nil
	}
	c.mu.Unlock()

	slog.Info("sync session finished",
		"session", session.ID,
		"status", session.Status,
		"changes", session.Changes,
		"conflicts", session.Conflicts,
		"errors", len(session.Errors),
		"took", session.Duration(),
	)

	if failed {
		c.emitFailed(session)
	} else {
		c.emitCompleted(session)
	}
}

// OnConfigurationChanged debounces rapid local edits and triggers one
// targeted sync for the broadest changed scope once the window closes.
// Only acts when auto-sync is enabled; syncs are never stacked from this
// path.
func (c *Coordinator) OnConfigurationChanged(changeType string) {
	scope := scopeForChange(changeType)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pendingChanges++
	if !c.cfg.AutoSync {
		return
	}

	c.pendingScopes.Enqueue(scope, scope.rank())
	if c.debounce == nil {
		c.debounce = time.AfterFunc(c.cfg.DebounceWindow, c.debouncedSync)
	} else {
		// trailing edit wins
		c.debounce.Reset(c.cfg.DebounceWindow)
	}
}

func (c *Coordinator) debouncedSync() {
	c.mu.Lock()
	scopes := c.pendingScopes.DequeueAll()
	idle := c.status == StatusIdle && !c.closed
	c.mu.Unlock()

	if len(scopes) == 0 || !idle {
		return
	}

	// broadest pending scope wins the coalesced pass
	ctx := context.Background()
	var err error
	switch scopes[0] {
	case ScopeFull:
		_, err = c.PerformFullSync(ctx)
	case ScopeWorkspaces:
		_, err = c.SyncWorkspaceSettings(ctx, "")
	case ScopePlugins:
		_, err = c.SyncPluginConfigurations(ctx, nil)
	default:
		_, err = c.SyncUserPreferences(ctx)
	}
	if err != nil {
		slog.Warn("change-triggered sync", "scope", scopes[0], "error", err)
	}
}

func scopeForChange(changeType string) Scope {
	switch changeType {
	case "workspace", "workspaces", "workspace_settings", "workspace_apps":
		return ScopeWorkspaces
	case "plugin", "plugins", "plugin_settings", "plugin_permissions":
		return ScopePlugins
	case "preference", "preferences", "theme":
		return ScopePreferences
	default:
		return ScopeFull
	}
}

// StartAutoSync begins periodic full syncs. Calling it again restarts
// the timer with the new interval.
func (c *Coordinator) StartAutoSync(interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.SyncInterval
	}

	c.autoMu.Lock()
	if c.autoCancel != nil {
		c.autoCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.autoCancel = cancel
	c.autoMu.Unlock()

	go c.autoSyncLoop(ctx, interval)
	if c.events.AutoSyncStarted != nil {
		c.events.AutoSyncStarted(interval)
	}
	slog.Info("auto sync started", "interval", interval)
}

// StopAutoSync clears the periodic timer.
func (c *Coordinator) StopAutoSync() {
	c.autoMu.Lock()
	if c.autoCancel != nil {
		c.autoCancel()
		c.autoCancel = nil
	}
	c.autoMu.Unlock()

	if c.events.AutoSyncStopped != nil {
		c.events.AutoSyncStopped()
	}
	slog.Info("auto sync stopped")
}

func (c *Coordinator) autoSyncLoop(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			c.mu.Lock()
			idle := c.status == StatusIdle && !c.closed
			c.mu.Unlock()

			if idle {
				if _, err := c.PerformFullSync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					slog.Warn("auto sync", "error", err)
					if c.events.AutoSyncError != nil {
						c.safeEmit(func() { c.events.AutoSyncError(err) })
					}
				}
			}
			timer.Reset(interval)
		}
	}
}

// Cleanup stops all timers, marks in-flight sessions cancelled and drops
// the listeners. The coordinator cannot be used afterwards.
func (c *Coordinator) Cleanup() {
	c.StopAutoSync()

	c.mu.Lock()
	c.closed = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	for _, s := range c.sessions {
		s.cancel()
	}
	if c.status != StatusPaused {
		c.status = StatusIdle
	}
	c.events = Events{}
	c.mu.Unlock()

	slog.Info("sync coordinator cleaned up")
}

func (c *Coordinator) emitStarted(s *Session) {
	if c.events.SyncStarted != nil {
		c.safeEmit(func() { c.events.SyncStarted(s) })
	}
}

func (c *Coordinator) emitCompleted(s *Session) {
	if c.events.SyncCompleted != nil {
		c.safeEmit(func() { c.events.SyncCompleted(s) })
	}
}

func (c *Coordinator) emitFailed(s *Session) {
	if c.events.SyncFailed != nil {
		c.safeEmit(func() { c.events.SyncFailed(s) })
	}
}

func (c *Coordinator) emitConflicts(conflicts []*conflict.Conflict) {
	if c.events.ConflictsDetected != nil {
		c.safeEmit(func() { c.events.ConflictsDetected(conflicts) })
	}
}

func (c *Coordinator) emitTransportError(name string, err error) {
	if c.events.TransportError != nil {
		c.safeEmit(func() { c.events.TransportError(name, err) })
	}
}

func (c *Coordinator) safeEmit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync listener panic", "panic", r)
		}
	}()
	fn()
}
