package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/appwatch/internal/appstore"
	"pkt.systems/appwatch/internal/command"
	"pkt.systems/appwatch/internal/logx"
	"pkt.systems/appwatch/internal/metrics"
	"pkt.systems/appwatch/internal/persist"
	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultInterval is the time between check passes.
	DefaultInterval = time.Hour
	// DefaultFirstDelay is the wait before the first pass after startup.
	DefaultFirstDelay = 10 * time.Second
	// DefaultLookupPause is the pause between App Store lookups.
	DefaultLookupPause = time.Second

	displayTimeLayout = "2006-01-02 15:04:05"
)

// Store is the persistence surface used by the checker.
type Store interface {
	Snapshot() (persist.Apps, error)
	UpdateApps(fn func(persist.Apps) error) error
	NotifyConfig(userID schema.UserID) (schema.NotifyConfig, error)
}

// Announcer delivers a chat message to a user's private chat.
type Announcer interface {
	Announce(ctx context.Context, userID schema.UserID, msg command.Message) error
}

// Notifier delivers a version change to the user's configured endpoints.
type Notifier interface {
	SendUpdate(ctx context.Context, cfg schema.NotifyConfig, change schema.VersionChange) error
}

// Config configures a Checker.
type Config struct {
	Interval    time.Duration
	FirstDelay  time.Duration
	LookupPause time.Duration
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Checker periodically compares stored versions with the App Store.
type Checker struct {
	store     Store
	lookup    appstore.Lookuper
	announcer Announcer
	notifier  Notifier
	cfg       Config

	mu      sync.Mutex
	lastRun time.Time
	started bool
}

type checked struct {
	userID  schema.UserID
	trackID schema.TrackID
	version string
	at      time.Time
}

// New constructs a checker. Zero durations fall back to the defaults.
func New(store Store, lookup appstore.Lookuper, announcer Announcer, notifier Notifier, cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FirstDelay < 0 {
		cfg.FirstDelay = 0
	}
	if cfg.LookupPause < 0 {
		cfg.LookupPause = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Checker{
		store:     store,
		lookup:    lookup,
		announcer: announcer,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// LastRun returns when the last check pass completed, or the zero time.
func (c *Checker) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

// Started reports whether Run has begun scheduling passes.
func (c *Checker) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Run waits FirstDelay, then checks every Interval until ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	log.Info("monitor scheduler start", "interval", c.cfg.Interval.String(), "first_delay", c.cfg.FirstDelay.String())

	timer := time.NewTimer(c.cfg.FirstDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitor scheduler stop")
			return nil
		case <-timer.C:
		}
		if _, err := c.CheckOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("monitor check failed", "err", err)
		}
		timer.Reset(c.cfg.Interval)
	}
}

// CheckOnce runs one pass over every monitored app and returns the detected
// version changes.
func (c *Checker) CheckOnce(ctx context.Context) ([]schema.VersionChange, error) {
	log := pslog.Ctx(ctx)
	started := c.cfg.Now()
	snapshot, err := c.store.Snapshot()
	if err != nil {
		c.cfg.Metrics.ObserveCheck(time.Since(started), 0, err)
		return nil, fmt.Errorf("load apps: %w", err)
	}
	total := 0
	for _, apps := range snapshot {
		total += len(apps)
	}
	log.Info("monitor check start", "users", len(snapshot), "apps", total)

	var (
		changes []schema.VersionChange
		results []checked
		first   = true
	)
	for _, userID := range sortedUsers(snapshot) {
		userCtx := logx.ContextWithUserLogger(ctx, userID)
		for _, app := range sortedApps(snapshot[userID]) {
			if !first && c.cfg.LookupPause > 0 {
				select {
				case <-ctx.Done():
					c.finish(ctx, results, started, total, ctx.Err())
					return changes, ctx.Err()
				case <-time.After(c.cfg.LookupPause):
				}
			}
			first = false
			change, res, ok := c.checkApp(userCtx, userID, app)
			if !ok {
				continue
			}
			results = append(results, res)
			if change != nil {
				changes = append(changes, *change)
			}
		}
	}
	if err := c.finish(ctx, results, started, total, nil); err != nil {
		return changes, err
	}
	log.Info("monitor check ok", "apps", total, "checked", len(results), "updates", len(changes))
	return changes, nil
}

func (c *Checker) checkApp(ctx context.Context, userID schema.UserID, app schema.MonitoredApp) (*schema.VersionChange, checked, bool) {
	log := logx.WithApp(pslog.Ctx(ctx), app)
	info, found, err := c.lookup.Lookup(ctx, string(app.TrackID))
	if err != nil {
		c.cfg.Metrics.Lookup("error")
		log.Warn("monitor lookup failed", "err", err)
		return nil, checked{}, false
	}
	if !found {
		c.cfg.Metrics.Lookup("missing")
		log.Info("monitor lookup missing")
		return nil, checked{}, false
	}
	c.cfg.Metrics.Lookup("found")
	now := c.cfg.Now()
	res := checked{userID: userID, trackID: app.TrackID, version: info.Version, at: now}
	if info.Version == app.Version {
		log.Trace("monitor app unchanged", "version", app.Version)
		return nil, res, true
	}
	change := schema.VersionChange{
		UserID:     userID,
		App:        app,
		OldVersion: app.Version,
		NewVersion: info.Version,
		DetectedAt: now,
	}
	c.cfg.Metrics.UpdateDetected()
	log.Info("monitor update detected", "old_version", change.OldVersion, "new_version", change.NewVersion)
	c.announce(ctx, change)
	return &change, res, true
}

func (c *Checker) announce(ctx context.Context, change schema.VersionChange) {
	log := pslog.Ctx(ctx)
	if c.announcer != nil {
		err := c.announcer.Announce(ctx, change.UserID, UpdateMessage(change))
		c.cfg.Metrics.Notification("telegram", err == nil)
		if err != nil {
			log.Warn("monitor announce failed", "err", err)
		}
	}
	if c.notifier == nil {
		return
	}
	cfg, err := c.store.NotifyConfig(change.UserID)
	if err != nil {
		log.Warn("monitor notify config failed", "err", err)
		return
	}
	if !cfg.Enabled || len(cfg.Endpoints) == 0 {
		return
	}
	err = c.notifier.SendUpdate(ctx, cfg, change)
	c.cfg.Metrics.Notification("endpoint", err == nil)
	if err != nil {
		log.Warn("monitor notify failed", "err", err)
	}
}

// finish merges results into the current store state. Apps removed while the
// pass was running stay removed.
func (c *Checker) finish(ctx context.Context, results []checked, started time.Time, total int, cause error) error {
	err := c.store.UpdateApps(func(apps persist.Apps) error {
		for _, res := range results {
			app, ok := apps[res.userID][res.trackID]
			if !ok {
				continue
			}
			app.Version = res.version
			app.LastChecked = schema.FormatTimestamp(res.at)
			apps[res.userID][res.trackID] = app
		}
		return nil
	})
	if err != nil {
		pslog.Ctx(ctx).Warn("monitor save failed", "err", err)
	}
	if cause == nil {
		cause = err
	}
	c.cfg.Metrics.ObserveCheck(c.cfg.Now().Sub(started), total, cause)
	c.mu.Lock()
	c.lastRun = c.cfg.Now()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save apps: %w", err)
	}
	return nil
}

// UpdateMessage renders the chat announcement for a version change.
func UpdateMessage(change schema.VersionChange) command.Message {
	text := fmt.Sprintf("🔔 *App Update Detected*\n\n"+
		"📱 *%s*\n"+
		"📊 Version: `%s` → `%s`\n"+
		"🔗 [View on App Store](%s)\n"+
		"⏰ %s",
		command.EscapeMarkdown(change.App.Name), change.OldVersion, change.NewVersion, change.App.URL,
		change.DetectedAt.Format(displayTimeLayout))
	return command.Message{Text: text, Markdown: true, NoPreview: true}
}

func sortedUsers(apps persist.Apps) []schema.UserID {
	out := make([]schema.UserID, 0, len(apps))
	for userID := range apps {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedApps(entries map[schema.TrackID]schema.MonitoredApp) []schema.MonitoredApp {
	out := make([]schema.MonitoredApp, 0, len(entries))
	for trackID, app := range entries {
		if app.TrackID == "" {
			app.TrackID = trackID
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}
