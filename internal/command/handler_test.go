package command

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"pkt.systems/appwatch/internal/appstore"
	"pkt.systems/appwatch/internal/notify"
	"pkt.systems/appwatch/schema"
)

func TestHandleAddStoresApp(t *testing.T) {
	store := newMemStore()
	var looked string
	lookup := appstore.LookupFunc(func(_ context.Context, identifier string) (appstore.AppInfo, bool, error) {
		looked = identifier
		return appstore.AppInfo{
			TrackID:      686449807,
			TrackName:    "Telegram *Messenger*",
			Version:      "10.1",
			BundleID:     "ph.telegra.Telegraph",
			TrackViewURL: "https://apps.apple.com/app/id686449807",
		}, true, nil
	})
	replier := &fakeReplier{}
	handler := NewHandler(store, lookup, &fakeNotifier{}, HandlerConfig{})

	handled, err := handler.Handle(context.Background(), "42", replier, "/add https://apps.apple.com/us/app/telegram/id686449807")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !handled {
		t.Fatalf("expected handled command")
	}
	if looked != "686449807" {
		t.Fatalf("unexpected lookup identifier %q", looked)
	}
	app, ok := store.apps["42"]["686449807"]
	if !ok {
		t.Fatalf("expected app stored, got %+v", store.apps)
	}
	if app.Version != "10.1" || app.BundleID != "ph.telegra.Telegraph" || app.AddedAt == "" {
		t.Fatalf("unexpected stored app %+v", app)
	}
	if len(replier.replies) != 2 {
		t.Fatalf("expected progress and result replies, got %d", len(replier.replies))
	}
	last := replier.replies[1]
	if !last.Markdown || !strings.Contains(last.Text, "Telegram \\*Messenger\\*") {
		t.Fatalf("expected escaped name in reply, got %q", last.Text)
	}
}

func TestHandleAddUsageAndMiss(t *testing.T) {
	store := newMemStore()
	lookup := appstore.LookupFunc(func(context.Context, string) (appstore.AppInfo, bool, error) {
		return appstore.AppInfo{}, false, nil
	})
	replier := &fakeReplier{}
	handler := NewHandler(store, lookup, &fakeNotifier{}, HandlerConfig{})

	if _, err := handler.Handle(context.Background(), "1", replier, "/add"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "Please provide an App Store URL") {
		t.Fatalf("expected usage reply, got %q", replier.lastText())
	}
	if _, err := handler.Handle(context.Background(), "1", replier, "/add https://apps.apple.com/us/app/nothing"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "Could not extract App ID") {
		t.Fatalf("expected url error, got %q", replier.lastText())
	}
	if _, err := handler.Handle(context.Background(), "1", replier, "/add com.example.none"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "Could not find app") {
		t.Fatalf("expected miss reply, got %q", replier.lastText())
	}
	if len(store.apps["1"]) != 0 {
		t.Fatalf("expected nothing stored, got %+v", store.apps["1"])
	}
}

func TestHandleAddLookupErrorRepliesMiss(t *testing.T) {
	lookup := appstore.LookupFunc(func(context.Context, string) (appstore.AppInfo, bool, error) {
		return appstore.AppInfo{}, false, errors.New("boom")
	})
	replier := &fakeReplier{}
	handler := NewHandler(newMemStore(), lookup, &fakeNotifier{}, HandlerConfig{})
	if _, err := handler.Handle(context.Background(), "1", replier, "/add 123"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "Could not find app") {
		t.Fatalf("expected miss reply, got %q", replier.lastText())
	}
}

func TestHandleListAndStatus(t *testing.T) {
	store := newMemStore()
	store.apps["7"] = map[schema.TrackID]schema.MonitoredApp{
		"1": {Name: "One", Version: "1.0", TrackID: "1"},
		"2": {Name: "Two", Version: "2.0", TrackID: "2"},
	}
	store.notify["7"] = schema.NotifyConfig{Enabled: true, Endpoints: []string{"generic://example.com"}}
	last := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)
	replier := &fakeReplier{}
	handler := NewHandler(store, nil, &fakeNotifier{}, HandlerConfig{
		CheckInterval: 30 * time.Minute,
		LastCheck:     func() time.Time { return last },
	})

	if _, err := handler.Handle(context.Background(), "7", replier, "/list"); err != nil {
		t.Fatalf("Handle list: %v", err)
	}
	text := replier.lastText()
	if !strings.Contains(text, "*One*") || !strings.Contains(text, "Total: 2 app(s)") {
		t.Fatalf("unexpected list output %q", text)
	}

	if _, err := handler.Handle(context.Background(), "7", replier, "/status"); err != nil {
		t.Fatalf("Handle status: %v", err)
	}
	text = replier.lastText()
	for _, want := range []string{"Monitored Apps: 2", "✅ Enabled", "Endpoints: 1", "Every 30 minutes", "2026-03-04 05:06:07"} {
		if !strings.Contains(text, want) {
			t.Fatalf("status missing %q in %q", want, text)
		}
	}
}

func TestHandleStatusNeverChecked(t *testing.T) {
	replier := &fakeReplier{}
	handler := NewHandler(newMemStore(), nil, &fakeNotifier{}, HandlerConfig{})
	if _, err := handler.Handle(context.Background(), "7", replier, "/status"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "Last Check: never") {
		t.Fatalf("expected never, got %q", replier.lastText())
	}
	if !strings.Contains(replier.lastText(), "Every hour") {
		t.Fatalf("expected hourly interval, got %q", replier.lastText())
	}
}

func TestHandleRemoveFlow(t *testing.T) {
	store := newMemStore()
	store.apps["9"] = map[schema.TrackID]schema.MonitoredApp{
		"55": {Name: "Five", Version: "5", TrackID: "55"},
	}
	replier := &fakeReplier{}
	handler := NewHandler(store, nil, &fakeNotifier{}, HandlerConfig{})

	if _, err := handler.Handle(context.Background(), "9", replier, "/remove"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msg := replier.replies[len(replier.replies)-1]
	if len(msg.Keyboard) != 2 {
		t.Fatalf("expected app and cancel rows, got %+v", msg.Keyboard)
	}
	if msg.Keyboard[0][0].Data != "remove_55" || msg.Keyboard[1][0].Data != "cancel" {
		t.Fatalf("unexpected keyboard %+v", msg.Keyboard)
	}

	ref := MessageRef{ChatID: 9, MessageID: 3}
	if err := handler.HandleCallback(context.Background(), "9", replier, ref, "remove_55"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if _, ok := store.apps["9"]["55"]; ok {
		t.Fatalf("expected app removed")
	}
	if len(replier.edits) != 1 || !strings.Contains(replier.edits[0].Text, "Removed *Five*") {
		t.Fatalf("unexpected edits %+v", replier.edits)
	}
	if err := handler.HandleCallback(context.Background(), "9", replier, ref, "remove_55"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if replier.edits[1].Text != "❌ App not found" {
		t.Fatalf("expected not found edit, got %q", replier.edits[1].Text)
	}
	if err := handler.HandleCallback(context.Background(), "9", replier, ref, "cancel"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if replier.edits[2].Text != "❌ Cancelled" {
		t.Fatalf("expected cancelled edit, got %q", replier.edits[2].Text)
	}
}

func TestHandleNotifyAddTestsBeforeSaving(t *testing.T) {
	store := newMemStore()
	notifier := &fakeNotifier{
		testFn: func(_ context.Context, endpoint string) notify.Result {
			if strings.HasPrefix(endpoint, "bad") {
				return notify.Result{Endpoint: endpoint, Message: notify.MsgInvalidEndpoint}
			}
			return notify.Result{Endpoint: endpoint, OK: true, Message: notify.MsgTestSent}
		},
	}
	replier := &fakeReplier{}
	handler := NewHandler(store, nil, notifier, HandlerConfig{})

	if _, err := handler.Handle(context.Background(), "3", replier, "/apprise add bad://x"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(store.notify["3"].Endpoints) != 0 {
		t.Fatalf("expected failing endpoint not stored")
	}
	if len(replier.edits) != 1 || !strings.Contains(replier.edits[0].Text, "Failed to add endpoint") {
		t.Fatalf("unexpected edits %+v", replier.edits)
	}

	if _, err := handler.Handle(context.Background(), "3", replier, "/notify add generic://example.com/hook"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := store.notify["3"].Endpoints; len(got) != 1 || got[0] != "generic://example.com/hook" {
		t.Fatalf("unexpected endpoints %+v", got)
	}
	if !strings.Contains(replier.edits[1].Text, "Endpoint added successfully") {
		t.Fatalf("unexpected edit %q", replier.edits[1].Text)
	}
}

func TestHandleNotifyToggleListRemove(t *testing.T) {
	store := newMemStore()
	store.notify["4"] = schema.NotifyConfig{Endpoints: []string{"generic://a", "generic://b"}}
	replier := &fakeReplier{}
	handler := NewHandler(store, nil, &fakeNotifier{}, HandlerConfig{})
	ctx := context.Background()

	if _, err := handler.Handle(ctx, "4", replier, "/apprise enable"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !store.notify["4"].Enabled {
		t.Fatalf("expected enabled")
	}
	if _, err := handler.Handle(ctx, "4", replier, "/apprise list"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "2. `generic://b`") {
		t.Fatalf("unexpected list %q", replier.lastText())
	}
	if _, err := handler.Handle(ctx, "4", replier, "/apprise remove 3"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if replier.lastText() != "❌ Invalid index" {
		t.Fatalf("expected invalid index, got %q", replier.lastText())
	}
	if _, err := handler.Handle(ctx, "4", replier, "/apprise remove two"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if replier.lastText() != "❌ Please provide a valid number" {
		t.Fatalf("expected number error, got %q", replier.lastText())
	}
	if _, err := handler.Handle(ctx, "4", replier, "/apprise remove 1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := store.notify["4"].Endpoints; len(got) != 1 || got[0] != "generic://b" {
		t.Fatalf("unexpected endpoints %+v", got)
	}
	if _, err := handler.Handle(ctx, "4", replier, "/apprise disable"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if store.notify["4"].Enabled {
		t.Fatalf("expected disabled")
	}
	if _, err := handler.Handle(ctx, "4", replier, "/apprise"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "Status: ❌ Disabled") {
		t.Fatalf("unexpected overview %q", replier.lastText())
	}
}

func TestHandleNotifyTestSummarizes(t *testing.T) {
	store := newMemStore()
	long := "generic://" + strings.Repeat("x", 80)
	store.notify["5"] = schema.NotifyConfig{Endpoints: []string{"generic://ok", long}}
	notifier := &fakeNotifier{
		testAllFn: func(_ context.Context, endpoints []string) []notify.Result {
			return []notify.Result{
				{Endpoint: endpoints[0], OK: true, Message: notify.MsgTestSent},
				{Endpoint: endpoints[1], Message: notify.MsgTestFailed},
			}
		},
	}
	replier := &fakeReplier{}
	handler := NewHandler(store, nil, notifier, HandlerConfig{})
	if _, err := handler.Handle(context.Background(), "5", replier, "/apprise test"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(replier.edits) != 1 {
		t.Fatalf("expected result edit, got %d", len(replier.edits))
	}
	text := replier.edits[0].Text
	if !strings.Contains(text, "*Summary:* 1/2 endpoints working") {
		t.Fatalf("missing summary in %q", text)
	}
	if strings.Contains(text, long) || !strings.Contains(text, long[:50]+"...") {
		t.Fatalf("expected truncated endpoint in %q", text)
	}
}

func TestHandleNotifyTestWithoutEndpoints(t *testing.T) {
	replier := &fakeReplier{}
	handler := NewHandler(newMemStore(), nil, &fakeNotifier{}, HandlerConfig{})
	if _, err := handler.Handle(context.Background(), "5", replier, "/apprise test"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(replier.lastText(), "No endpoints configured") {
		t.Fatalf("unexpected reply %q", replier.lastText())
	}
}

func TestHandleIgnoresPlainText(t *testing.T) {
	handler := NewHandler(newMemStore(), nil, &fakeNotifier{}, HandlerConfig{})
	handled, err := handler.Handle(context.Background(), "1", &fakeReplier{}, "hello")
	if err != nil || handled {
		t.Fatalf("expected plain text ignored, got handled=%v err=%v", handled, err)
	}
}

func TestHandleOnlyAnswersCommandsAddressedToSelf(t *testing.T) {
	cases := []struct {
		name    string
		self    string
		input   string
		handled bool
	}{
		{name: "other bot", self: "AppWatchBot", input: "/list@OtherBot", handled: false},
		{name: "other bot with args", self: "AppWatchBot", input: "/ban@ModeratorBot spammer", handled: false},
		{name: "self", self: "AppWatchBot", input: "/list@AppWatchBot", handled: true},
		{name: "self any case", self: "AppWatchBot", input: "/list@appwatchbot", handled: true},
		{name: "unaddressed", self: "AppWatchBot", input: "/list", handled: true},
		{name: "unknown self", self: "", input: "/list@AppWatchBot", handled: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			replier := &fakeReplier{}
			handler := NewHandler(newMemStore(), nil, &fakeNotifier{}, HandlerConfig{
				BotUsername: func() string { return tc.self },
			})
			handled, err := handler.Handle(context.Background(), "1", replier, tc.input)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if handled != tc.handled {
				t.Fatalf("expected handled=%v, got %v", tc.handled, handled)
			}
			if !tc.handled && replier.lastText() != "" {
				t.Fatalf("expected no reply, got %q", replier.lastText())
			}
		})
	}
}

func TestHandleUnknownCommandHints(t *testing.T) {
	replier := &fakeReplier{}
	handler := NewHandler(newMemStore(), nil, &fakeNotifier{}, HandlerConfig{})
	handled, err := handler.Handle(context.Background(), "1", replier, "/frobnicate")
	if err != nil || !handled {
		t.Fatalf("expected handled, got handled=%v err=%v", handled, err)
	}
	if !strings.Contains(replier.lastText(), "/help") {
		t.Fatalf("expected help hint, got %q", replier.lastText())
	}
}

func TestHandleRejectsMissingUser(t *testing.T) {
	handler := NewHandler(newMemStore(), nil, &fakeNotifier{}, HandlerConfig{})
	if _, err := handler.Handle(context.Background(), "", &fakeReplier{}, "/help"); !errors.Is(err, schema.ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestParseStripsBotName(t *testing.T) {
	cmd, ok := Parse("  /Add@AppWatchBot 12345 extra")
	if !ok {
		t.Fatalf("expected command")
	}
	if cmd.Name != "add" || cmd.Bot != "AppWatchBot" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if len(cmd.Args) != 2 || cmd.Arg(0) != "12345" || cmd.Arg(1) != "extra" || cmd.Arg(2) != "" {
		t.Fatalf("unexpected args %+v", cmd)
	}
	if _, ok := Parse("add 1"); ok {
		t.Fatalf("expected non-command")
	}
	if _, ok := Parse("   "); ok {
		t.Fatalf("expected blank input rejected")
	}
	if cmd, _ := Parse("/apprise ENABLE"); cmd.Sub() != "enable" {
		t.Fatalf("expected lower-cased subcommand, got %q", cmd.Sub())
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		data string
		want Callback
	}{
		{"cancel", Callback{Action: CallbackCancel}},
		{"remove_686449807", Callback{Action: CallbackRemove, TrackID: "686449807"}},
		{"remove_", Callback{}},
		{"noop", Callback{}},
	}
	for _, tc := range cases {
		if got := ParseCallback(tc.data); got != tc.want {
			t.Fatalf("ParseCallback(%q) = %+v, want %+v", tc.data, got, tc.want)
		}
	}
	if got := ParseCallback(removeCallbackData("42")); got.TrackID != "42" {
		t.Fatalf("round trip lost track id: %+v", got)
	}
}

func TestTruncateIsRuneSafe(t *testing.T) {
	got := truncate("ééééé", 3)
	if got != "ééé..." {
		t.Fatalf("unexpected truncate %q", got)
	}
	if truncate("abc", 3) != "abc" {
		t.Fatalf("expected unchanged")
	}
}

type memStore struct {
	apps   map[schema.UserID]map[schema.TrackID]schema.MonitoredApp
	notify map[schema.UserID]schema.NotifyConfig
}

func newMemStore() *memStore {
	return &memStore{
		apps:   map[schema.UserID]map[schema.TrackID]schema.MonitoredApp{},
		notify: map[schema.UserID]schema.NotifyConfig{},
	}
}

func (m *memStore) ListApps(userID schema.UserID) ([]schema.MonitoredApp, error) {
	out := []schema.MonitoredApp{}
	for _, app := range m.apps[userID] {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out, nil
}

func (m *memStore) PutApp(userID schema.UserID, app schema.MonitoredApp) error {
	if m.apps[userID] == nil {
		m.apps[userID] = map[schema.TrackID]schema.MonitoredApp{}
	}
	m.apps[userID][app.TrackID] = app
	return nil
}

func (m *memStore) RemoveApp(userID schema.UserID, trackID schema.TrackID) (schema.MonitoredApp, bool, error) {
	app, ok := m.apps[userID][trackID]
	if ok {
		delete(m.apps[userID], trackID)
	}
	return app, ok, nil
}

func (m *memStore) NotifyConfig(userID schema.UserID) (schema.NotifyConfig, error) {
	return m.notify[userID], nil
}

func (m *memStore) UpdateNotifyConfig(userID schema.UserID, fn func(*schema.NotifyConfig) error) (schema.NotifyConfig, error) {
	cfg := m.notify[userID]
	cfg.Endpoints = append([]string(nil), cfg.Endpoints...)
	if err := fn(&cfg); err != nil {
		return schema.NotifyConfig{}, err
	}
	m.notify[userID] = cfg
	return cfg, nil
}

type fakeNotifier struct {
	testFn    func(context.Context, string) notify.Result
	testAllFn func(context.Context, []string) []notify.Result
}

func (f *fakeNotifier) Test(ctx context.Context, endpoint string) notify.Result {
	if f.testFn != nil {
		return f.testFn(ctx, endpoint)
	}
	return notify.Result{Endpoint: endpoint, OK: true, Message: notify.MsgTestSent}
}

func (f *fakeNotifier) TestAll(ctx context.Context, endpoints []string) []notify.Result {
	if f.testAllFn != nil {
		return f.testAllFn(ctx, endpoints)
	}
	out := make([]notify.Result, 0, len(endpoints))
	for _, endpoint := range endpoints {
		out = append(out, f.Test(ctx, endpoint))
	}
	return out
}

type fakeReplier struct {
	replies []Message
	edits   []Message
}

func (f *fakeReplier) Reply(_ context.Context, msg Message) (MessageRef, error) {
	f.replies = append(f.replies, msg)
	return MessageRef{ChatID: 1, MessageID: len(f.replies)}, nil
}

func (f *fakeReplier) Edit(_ context.Context, _ MessageRef, msg Message) error {
	f.edits = append(f.edits, msg)
	return nil
}

func (f *fakeReplier) lastText() string {
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1].Text
}
