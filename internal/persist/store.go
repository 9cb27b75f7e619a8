package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

const (
	// AppsFile holds monitored apps keyed by user and track id.
	AppsFile = "monitored_apps.json"
	// NotifyFile holds per-user notification endpoints.
	NotifyFile = "apprise_config.json"
)

// Apps maps users to their monitored apps keyed by track id.
type Apps map[schema.UserID]map[schema.TrackID]schema.MonitoredApp

// NotifyConfigs maps users to their notification settings.
type NotifyConfigs map[schema.UserID]schema.NotifyConfig

// Store persists monitored apps and notification settings in the data directory.
// All reads and writes are serialized so chat handlers and the scheduler never
// interleave a read-modify-write.
type Store struct {
	dir string
	log pslog.Logger
	now func() time.Time

	mu sync.Mutex
}

// NewStore constructs a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("data directory is required")
	}
	if err := EnsureDir(dir); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("data_dir", dir)
	}
	return &Store{dir: dir, log: logger, now: time.Now}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// ListApps returns the user's apps ordered by the time they were added.
func (s *Store) ListApps(userID schema.UserID) ([]schema.MonitoredApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps, err := s.loadApps()
	if err != nil {
		return nil, err
	}
	return sortedApps(apps[userID]), nil
}

// CountApps returns how many apps the user monitors.
func (s *Store) CountApps(userID schema.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps, err := s.loadApps()
	if err != nil {
		return 0, err
	}
	return len(apps[userID]), nil
}

// PutApp stores or replaces an app for the user.
func (s *Store) PutApp(userID schema.UserID, app schema.MonitoredApp) error {
	if userID == "" {
		return schema.ErrInvalidUser
	}
	if app.TrackID == "" {
		return errors.New("track id is required")
	}
	return s.UpdateApps(func(apps Apps) error {
		if apps[userID] == nil {
			apps[userID] = map[schema.TrackID]schema.MonitoredApp{}
		}
		apps[userID][app.TrackID] = app
		return nil
	})
}

// RemoveApp deletes an app for the user and returns the removed record.
func (s *Store) RemoveApp(userID schema.UserID, trackID schema.TrackID) (schema.MonitoredApp, bool, error) {
	var removed schema.MonitoredApp
	found := false
	err := s.UpdateApps(func(apps Apps) error {
		userApps := apps[userID]
		app, ok := userApps[trackID]
		if !ok {
			return nil
		}
		removed = app
		found = true
		delete(userApps, trackID)
		return nil
	})
	if err != nil {
		return schema.MonitoredApp{}, false, err
	}
	return removed, found, nil
}

// Snapshot returns a deep copy of all monitored apps.
func (s *Store) Snapshot() (Apps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadApps()
}

// UpdateApps loads all apps, applies fn and saves the result. Nothing is
// written when fn returns an error.
func (s *Store) UpdateApps(fn func(Apps) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps, err := s.loadApps()
	if err != nil {
		return err
	}
	if err := fn(apps); err != nil {
		return err
	}
	return s.writeJSON(AppsFile, apps)
}

// NotifyConfig returns the user's notification settings.
func (s *Store) NotifyConfig(userID schema.UserID) (schema.NotifyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	configs, err := s.loadNotify()
	if err != nil {
		return schema.NotifyConfig{}, err
	}
	return cloneNotify(configs[userID]), nil
}

// UpdateNotifyConfig applies fn to the user's notification settings and
// saves them. The updated settings are returned.
func (s *Store) UpdateNotifyConfig(userID schema.UserID, fn func(*schema.NotifyConfig) error) (schema.NotifyConfig, error) {
	if userID == "" {
		return schema.NotifyConfig{}, schema.ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	configs, err := s.loadNotify()
	if err != nil {
		return schema.NotifyConfig{}, err
	}
	cfg := cloneNotify(configs[userID])
	if err := fn(&cfg); err != nil {
		return schema.NotifyConfig{}, err
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = []string{}
	}
	configs[userID] = cfg
	if err := s.writeJSON(NotifyFile, configs); err != nil {
		return schema.NotifyConfig{}, err
	}
	return cloneNotify(cfg), nil
}

func (s *Store) loadApps() (Apps, error) {
	apps, err := readJSON[Apps](s, AppsFile)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = Apps{}
	}
	for user, entries := range apps {
		if entries == nil {
			apps[user] = map[schema.TrackID]schema.MonitoredApp{}
		}
	}
	return apps, nil
}

func (s *Store) loadNotify() (NotifyConfigs, error) {
	configs, err := readJSON[NotifyConfigs](s, NotifyFile)
	if err != nil {
		return nil, err
	}
	if configs == nil {
		configs = NotifyConfigs{}
	}
	return configs, nil
}

// readJSON decodes name into a fresh T. A missing or empty file gives the
// zero T. A file that does not decode, including one with mistyped fields,
// also gives the zero T and is moved aside so the next save cannot clobber it.
func readJSON[T any](s *Store, name string) (T, error) {
	var zero T
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("data load miss", "file", name)
			return zero, nil
		}
		s.warn("data load failed", "file", name, "err", err)
		return zero, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return zero, nil
	}
	var decoded T
	if err := json.Unmarshal(data, &decoded); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%s", path, s.now().Format("20060102T150405"))
		s.warn("data load failed", "file", name, "err", err, "moved_to", aside)
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return zero, fmt.Errorf("%s is not valid JSON and could not be moved aside: %w", name, renameErr)
		}
		return zero, nil
	}
	return decoded, nil
}

func (s *Store) writeJSON(name string, value any) error {
	path := filepath.Join(s.dir, name)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		s.warn("data save failed", "file", name, "err", err)
		return err
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		s.warn("data save failed", "file", name, "err", err)
		return err
	}
	s.trace("data save ok", "file", name, "bytes", buf.Len())
	return nil
}

// writeFileAtomic replaces path with data. An existing file keeps its
// permissions; a new one gets 0644.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".appwatch-*.json")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func sortedApps(entries map[schema.TrackID]schema.MonitoredApp) []schema.MonitoredApp {
	out := make([]schema.MonitoredApp, 0, len(entries))
	for id, app := range entries {
		if app.TrackID == "" {
			app.TrackID = id
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt != out[j].AddedAt {
			return out[i].AddedAt < out[j].AddedAt
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

func cloneNotify(cfg schema.NotifyConfig) schema.NotifyConfig {
	cfg.Endpoints = append([]string{}, cfg.Endpoints...)
	return cfg
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) trace(msg string, kv ...any) {
	if s.log != nil {
		s.log.Trace(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}
