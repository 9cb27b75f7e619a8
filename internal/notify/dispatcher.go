package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"

	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

const (
	testTitle = "🧪 Test Notification"
	testBody  = "This is a test notification from App Store Monitor Bot. If you received this, your endpoint is working correctly!"

	// MsgInvalidEndpoint is reported when an endpoint URL cannot be parsed into a service.
	MsgInvalidEndpoint = "Invalid endpoint URL format"
	// MsgTestSent is reported when a test notification was accepted.
	MsgTestSent = "Test notification sent successfully!"
	// MsgTestFailed prefixes delivery failures.
	MsgTestFailed = "Failed to send test notification"
)

// Sender delivers one message to the services it was built for.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// SenderFactory builds a sender for a set of service URLs.
type SenderFactory func(urls ...string) (Sender, error)

// Result reports the outcome of an endpoint test.
type Result struct {
	Endpoint string
	OK       bool
	Message  string
}

// Config configures a Dispatcher.
type Config struct {
	TestPause time.Duration
	Factory   SenderFactory
}

// Dispatcher sends notifications to user-configured service URLs.
type Dispatcher struct {
	factory   SenderFactory
	testPause time.Duration
}

// New constructs a dispatcher backed by shoutrrr unless cfg provides a factory.
func New(cfg Config) *Dispatcher {
	factory := cfg.Factory
	if factory == nil {
		factory = func(urls ...string) (Sender, error) {
			return shoutrrr.CreateSender(urls...)
		}
	}
	return &Dispatcher{factory: factory, testPause: cfg.TestPause}
}

// Validate checks that endpoint names a known notification service.
func (d *Dispatcher) Validate(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	parsed, err := url.Parse(endpoint)
	if endpoint == "" || err != nil || parsed.Scheme == "" {
		return schema.ErrInvalidEndpoint
	}
	if _, err := d.factory(endpoint); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidEndpoint, err)
	}
	return nil
}

// Test sends a test notification to a single endpoint.
func (d *Dispatcher) Test(ctx context.Context, endpoint string) Result {
	log := pslog.Ctx(ctx).With("endpoint", redact(endpoint))
	res := Result{Endpoint: endpoint}
	if err := d.Validate(endpoint); err != nil {
		log.Info("notify test rejected", "err", err)
		res.Message = MsgInvalidEndpoint
		return res
	}
	log.Debug("notify test start")
	if err := d.send(ctx, []string{endpoint}, testTitle, testBody); err != nil {
		log.Warn("notify test failed", "err", err)
		res.Message = MsgTestFailed + ": " + err.Error()
		return res
	}
	log.Info("notify test ok")
	res.OK = true
	res.Message = MsgTestSent
	return res
}

// TestAll tests endpoints in order, pausing between them.
func (d *Dispatcher) TestAll(ctx context.Context, endpoints []string) []Result {
	results := make([]Result, 0, len(endpoints))
	for i, endpoint := range endpoints {
		if i > 0 && d.testPause > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(d.testPause):
			}
		}
		results = append(results, d.Test(ctx, endpoint))
	}
	return results
}

// UpdateTitle formats the notification title for a version change.
func UpdateTitle(change schema.VersionChange) string {
	return "App Update: " + change.App.Name
}

// UpdateBody formats the notification body for a version change.
func UpdateBody(change schema.VersionChange) string {
	return fmt.Sprintf("%s updated from %s to %s\n%s", change.App.Name, change.OldVersion, change.NewVersion, change.App.URL)
}

// SendUpdate delivers a version change to every endpoint of an enabled config.
func (d *Dispatcher) SendUpdate(ctx context.Context, cfg schema.NotifyConfig, change schema.VersionChange) error {
	if !cfg.Enabled || len(cfg.Endpoints) == 0 {
		return nil
	}
	log := pslog.Ctx(ctx).With("endpoints", len(cfg.Endpoints), "app", change.App.Name)
	log.Debug("notify update start")
	if err := d.send(ctx, cfg.Endpoints, UpdateTitle(change), UpdateBody(change)); err != nil {
		log.Warn("notify update failed", "err", err)
		return err
	}
	log.Info("notify update ok")
	return nil
}

// send delivers to each endpoint through its own sender. Endpoints that do
// not parse as a service are logged and skipped so the rest still receive
// the message. It fails with ErrInvalidEndpoint only when none is usable.
func (d *Dispatcher) send(ctx context.Context, endpoints []string, title, body string) error {
	log := pslog.Ctx(ctx)
	var (
		errs    []error
		skipped []error
		usable  int
	)
	for _, endpoint := range endpoints {
		sender, err := d.factory(endpoint)
		if err != nil {
			log.Warn("notify endpoint skipped", "endpoint", redact(endpoint), "err", err)
			skipped = append(skipped, fmt.Errorf("%s: %v", redact(endpoint), err))
			continue
		}
		usable++
		if err := deliver(ctx, sender, title, body); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", redact(endpoint), err))
		}
	}
	if usable == 0 && len(skipped) > 0 {
		return fmt.Errorf("%w: %v", schema.ErrInvalidEndpoint, errors.Join(skipped...))
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, sender Sender, title, body string) error {
	params := types.Params{"title": title}
	done := make(chan []error, 1)
	go func() {
		done <- sender.Send(body, &params)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case errs := <-done:
		return errors.Join(errs...)
	}
}

// redact keeps the scheme and host of an endpoint for logging.
func redact(endpoint string) string {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Scheme == "" {
		return "invalid"
	}
	return parsed.Scheme + "://" + parsed.Host
}
