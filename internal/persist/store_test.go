package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pkt.systems/appwatch/schema"
)

func TestStoreEmptyDataDir(t *testing.T) {
	store := newTestStore(t)
	apps, err := store.ListApps("1001")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("expected no apps, got %d", len(apps))
	}
	cfg, err := store.NotifyConfig("1001")
	if err != nil {
		t.Fatalf("notify config: %v", err)
	}
	if cfg.Enabled || len(cfg.Endpoints) != 0 {
		t.Fatalf("expected zero notify config, got %+v", cfg)
	}
}

func TestStorePutListRemove(t *testing.T) {
	store := newTestStore(t)
	first := schema.MonitoredApp{Name: "Telegram", Version: "10.1", TrackID: "686449807", AddedAt: "2024-01-01T10:00:00.000000"}
	second := schema.MonitoredApp{Name: "Signal", Version: "7.0", TrackID: "874139669", AddedAt: "2024-01-02T10:00:00.000000"}
	for _, app := range []schema.MonitoredApp{second, first} {
		if err := store.PutApp("1001", app); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	apps, err := store.ListApps("1001")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 2 || apps[0].Name != "Telegram" || apps[1].Name != "Signal" {
		t.Fatalf("expected apps ordered by added_at, got %+v", apps)
	}
	removed, ok, err := store.RemoveApp("1001", "686449807")
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	if removed.Name != "Telegram" {
		t.Fatalf("unexpected removed app %+v", removed)
	}
	if _, ok, err := store.RemoveApp("1001", "686449807"); err != nil || ok {
		t.Fatalf("expected second remove to miss, ok=%v err=%v", ok, err)
	}
	if n, _ := store.CountApps("1001"); n != 1 {
		t.Fatalf("expected one app left, got %d", n)
	}
}

func TestStoreFileFormat(t *testing.T) {
	store := newTestStore(t)
	app := schema.MonitoredApp{
		Name:        "Telegram",
		Version:     "10.1",
		BundleID:    "ph.telegra.Telegraph",
		TrackID:     "686449807",
		URL:         "https://apps.apple.com/us/app/telegram/id686449807?uo=4&mt=8",
		AddedAt:     "2024-01-01T10:00:00.000000",
		LastChecked: "2024-01-01T10:00:00.000000",
	}
	if err := store.PutApp("1001", app); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), AppsFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"1001\": {\n    \"686449807\": {") {
		t.Fatalf("unexpected layout:\n%s", data)
	}
	if !strings.Contains(string(data), "?uo=4&mt=8") {
		t.Fatalf("expected url without html escaping:\n%s", data)
	}
	var raw map[string]map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["1001"]["686449807"]["bundle_id"] != "ph.telegra.Telegraph" {
		t.Fatalf("unexpected file content %+v", raw)
	}
}

func TestStoreReadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	apps := `{"42": {"1": {"name": "Demo", "version": "1.0", "bundle_id": "b", "track_id": "1", "url": "u", "added_at": "a", "last_checked": "l"}}}`
	notify := `{"42": {"enabled": true, "endpoints": ["generic://example.com"]}}`
	if err := os.WriteFile(filepath.Join(dir, AppsFile), []byte(apps), 0o600); err != nil {
		t.Fatalf("write apps: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, NotifyFile), []byte(notify), 0o600); err != nil {
		t.Fatalf("write notify: %v", err)
	}
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	list, err := store.ListApps("42")
	if err != nil || len(list) != 1 || list[0].Name != "Demo" {
		t.Fatalf("unexpected apps %+v err=%v", list, err)
	}
	cfg, err := store.NotifyConfig("42")
	if err != nil || !cfg.Enabled || len(cfg.Endpoints) != 1 {
		t.Fatalf("unexpected notify config %+v err=%v", cfg, err)
	}
}

func TestStoreMovesCorruptFileAside(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"syntax", "{not json"},
		{"mistyped field", `{"1":{"2":{"name":5,"version":"1.0","track_id":"2"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, AppsFile), []byte(tc.data), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			store, err := NewStore(dir)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			snapshot, err := store.Snapshot()
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(snapshot) != 0 {
				t.Fatalf("expected empty snapshot, got %+v", snapshot)
			}
			matches, _ := filepath.Glob(filepath.Join(dir, AppsFile+".corrupt-*"))
			if len(matches) != 1 {
				t.Fatalf("expected corrupt file to be preserved, got %v", matches)
			}
			if err := store.PutApp("1", schema.MonitoredApp{Name: "Telegram", Version: "1.0", TrackID: "9"}); err != nil {
				t.Fatalf("put: %v", err)
			}
			apps, err := store.ListApps("1")
			if err != nil || len(apps) != 1 || apps[0].TrackID != "9" {
				t.Fatalf("expected only the new app, got %+v (%v)", apps, err)
			}
		})
	}
}

func TestSaveFileMode(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.PutApp("1", schema.MonitoredApp{Name: "A", TrackID: "1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	path := filepath.Join(dir, AppsFile)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected new file mode 0644, got %v", info.Mode().Perm())
	}
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := store.PutApp("1", schema.MonitoredApp{Name: "B", TrackID: "2"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if info, err = os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("expected existing mode kept, got %v", info.Mode().Perm())
	}
}

func TestUpdateNotifyConfig(t *testing.T) {
	store := newTestStore(t)
	cfg, err := store.UpdateNotifyConfig("7", func(cfg *schema.NotifyConfig) error {
		cfg.Enabled = true
		cfg.Endpoints = append(cfg.Endpoints, "generic://example.com")
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !cfg.Enabled || len(cfg.Endpoints) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	sentinel := errors.New("boom")
	if _, err := store.UpdateNotifyConfig("7", func(cfg *schema.NotifyConfig) error {
		cfg.Endpoints = nil
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	got, _ := store.NotifyConfig("7")
	if len(got.Endpoints) != 1 {
		t.Fatalf("failed update must not persist, got %+v", got)
	}
	if _, err := store.UpdateNotifyConfig("", func(*schema.NotifyConfig) error { return nil }); !errors.Is(err, schema.ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
}

func TestStoreConcurrentUpdates(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			app := schema.MonitoredApp{Name: "app", TrackID: schema.TrackIDFromInt(int64(i + 1))}
			if err := store.PutApp("1", app); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if n, err := store.CountApps("1"); err != nil || n != 20 {
		t.Fatalf("expected 20 apps, got %d err=%v", n, err)
	}
}

func TestCheckWritableRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := CheckWritable(path); err == nil {
		t.Fatalf("expected error for non-directory")
	}
}

func TestCheckWritableReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	if err := os.Mkdir(dir, 0o555); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })
	if err := CheckWritable(dir); !errors.Is(err, schema.ErrDataDirUnwritable) {
		t.Fatalf("expected unwritable error, got %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}
