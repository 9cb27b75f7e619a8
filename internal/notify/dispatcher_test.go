package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/containrrr/shoutrrr/pkg/types"

	"pkt.systems/appwatch/schema"
)

type fakeSender struct {
	urls    []string
	sent    *[]sentMessage
	sendErr error
}

type sentMessage struct {
	urls  []string
	title string
	body  string
}

func (f fakeSender) Send(message string, params *types.Params) []error {
	title := ""
	if params != nil {
		title = (*params)["title"]
	}
	*f.sent = append(*f.sent, sentMessage{urls: f.urls, title: title, body: message})
	return []error{nil, f.sendErr}
}

func newFakeDispatcher(sent *[]sentMessage, failing map[string]error) *Dispatcher {
	return New(Config{Factory: func(urls ...string) (Sender, error) {
		for _, u := range urls {
			if strings.HasPrefix(u, "bogus://") {
				return nil, errors.New("unknown service")
			}
		}
		var sendErr error
		if len(urls) == 1 {
			sendErr = failing[urls[0]]
		}
		return fakeSender{urls: urls, sent: sent, sendErr: sendErr}, nil
	}})
}

func TestTestEndpoint(t *testing.T) {
	var sent []sentMessage
	d := newFakeDispatcher(&sent, map[string]error{"generic://down.example": errors.New("connection refused")})

	ok := d.Test(context.Background(), "generic://up.example")
	if !ok.OK || ok.Message != MsgTestSent {
		t.Fatalf("unexpected result %+v", ok)
	}
	if len(sent) != 1 || sent[0].title != testTitle || sent[0].body != testBody {
		t.Fatalf("unexpected sent messages %+v", sent)
	}

	down := d.Test(context.Background(), "generic://down.example")
	if down.OK || !strings.HasPrefix(down.Message, MsgTestFailed) || !strings.Contains(down.Message, "connection refused") {
		t.Fatalf("unexpected failure result %+v", down)
	}

	for _, endpoint := range []string{"", "not a url", "bogus://x"} {
		res := d.Test(context.Background(), endpoint)
		if res.OK || res.Message != MsgInvalidEndpoint {
			t.Fatalf("Test(%q) = %+v, want invalid endpoint", endpoint, res)
		}
	}
}

func TestTestAllKeepsOrder(t *testing.T) {
	var sent []sentMessage
	d := newFakeDispatcher(&sent, nil)
	d.testPause = time.Millisecond
	results := d.TestAll(context.Background(), []string{"generic://a", "bogus://b", "generic://c"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK || results[1].OK || !results[2].OK {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[1].Endpoint != "bogus://b" {
		t.Fatalf("expected endpoint to be reported, got %+v", results[1])
	}
}

func TestSendUpdate(t *testing.T) {
	var sent []sentMessage
	d := newFakeDispatcher(&sent, nil)
	change := schema.VersionChange{
		App:        schema.MonitoredApp{Name: "Telegram", URL: "https://apps.apple.com/app/id686449807"},
		OldVersion: "10.1",
		NewVersion: "10.2",
	}

	if err := d.SendUpdate(context.Background(), schema.NotifyConfig{Enabled: false, Endpoints: []string{"generic://a"}}, change); err != nil {
		t.Fatalf("disabled send: %v", err)
	}
	if err := d.SendUpdate(context.Background(), schema.NotifyConfig{Enabled: true}, change); err != nil {
		t.Fatalf("empty send: %v", err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected nothing sent, got %+v", sent)
	}

	cfg := schema.NotifyConfig{Enabled: true, Endpoints: []string{"generic://a", "generic://b"}}
	if err := d.SendUpdate(context.Background(), cfg, change); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sent) != 2 || sent[0].urls[0] != "generic://a" || sent[1].urls[0] != "generic://b" {
		t.Fatalf("expected one send per endpoint, got %+v", sent)
	}
	if sent[0].title != "App Update: Telegram" {
		t.Fatalf("unexpected title %q", sent[0].title)
	}
	if sent[0].body != "Telegram updated from 10.1 to 10.2\nhttps://apps.apple.com/app/id686449807" {
		t.Fatalf("unexpected body %q", sent[0].body)
	}
}

func TestSendUpdateSkipsUnusableEndpoints(t *testing.T) {
	var sent []sentMessage
	d := newFakeDispatcher(&sent, map[string]error{"generic://down": errors.New("connection refused")})
	change := schema.VersionChange{App: schema.MonitoredApp{Name: "Telegram"}, OldVersion: "1", NewVersion: "2"}

	cfg := schema.NotifyConfig{Enabled: true, Endpoints: []string{"bogus://legacy", "generic://up"}}
	if err := d.SendUpdate(context.Background(), cfg, change); err != nil {
		t.Fatalf("expected invalid endpoint skipped, got %v", err)
	}
	if len(sent) != 1 || sent[0].urls[0] != "generic://up" {
		t.Fatalf("expected delivery to the valid endpoint, got %+v", sent)
	}

	sent = nil
	cfg.Endpoints = []string{"generic://down", "generic://up"}
	err := d.SendUpdate(context.Background(), cfg, change)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("expected both endpoints attempted, got %+v", sent)
	}

	cfg.Endpoints = []string{"bogus://a", "bogus://b"}
	if err := d.SendUpdate(context.Background(), cfg, change); !errors.Is(err, schema.ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint when nothing is usable, got %v", err)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("discord://token@channel"); got != "discord://channel" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := redact("::"); got != "invalid" {
		t.Fatalf("unexpected redaction %q", got)
	}
}
