package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

// DefaultLookupURL is the public iTunes lookup endpoint.
const DefaultLookupURL = "https://itunes.apple.com/lookup"

// browserHeaders are sent with every lookup; the endpoint rejects some
// non-browser clients.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "application/json, text/javascript, */*; q=0.01",
	"Accept-Language": "en-US,en;q=0.9",
	"Connection":      "keep-alive",
}

// AppInfo is the subset of a lookup result the monitor needs.
type AppInfo struct {
	TrackID      int64  `json:"trackId"`
	TrackName    string `json:"trackName"`
	Version      string `json:"version"`
	BundleID     string `json:"bundleId"`
	TrackViewURL string `json:"trackViewUrl"`
}

// ID returns the track id in data file form.
func (a AppInfo) ID() schema.TrackID {
	return schema.TrackIDFromInt(a.TrackID)
}

type lookupResponse struct {
	ResultCount int       `json:"resultCount"`
	Results     []AppInfo `json:"results"`
}

// Config configures the lookup client.
type Config struct {
	LookupURL string
	Timeout   time.Duration
	HTTP      *http.Client
}

// Client queries the App Store lookup API.
type Client struct {
	lookupURL string
	http      *http.Client
}

// New constructs a lookup client.
func New(cfg Config) *Client {
	lookupURL := strings.TrimSpace(cfg.LookupURL)
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{lookupURL: lookupURL, http: httpClient}
}

// Lookup fetches app metadata for a numeric track id or a bundle id. The
// boolean is false when the store has no matching app or answered with a
// non-200 status.
func (c *Client) Lookup(ctx context.Context, identifier string) (AppInfo, bool, error) {
	identifier = strings.TrimSpace(identifier)
	log := pslog.Ctx(ctx).With("identifier", identifier)
	if identifier == "" {
		return AppInfo{}, false, schema.ErrInvalidIdentifier
	}
	reqURL, err := url.Parse(c.lookupURL)
	if err != nil {
		return AppInfo{}, false, err
	}
	query := reqURL.Query()
	if isDigits(identifier) {
		query.Set("id", identifier)
	} else {
		query.Set("bundleId", identifier)
	}
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return AppInfo{}, false, err
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	log.Debug("appstore lookup start")
	res, err := c.http.Do(req)
	if err != nil {
		log.Warn("appstore lookup failed", "err", err)
		return AppInfo{}, false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		log.Warn("appstore lookup miss", "status", res.StatusCode)
		return AppInfo{}, false, nil
	}
	// The endpoint labels its JSON as text/javascript, so the body is decoded
	// regardless of content type.
	var payload lookupResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		log.Warn("appstore lookup failed", "err", err)
		return AppInfo{}, false, fmt.Errorf("decode lookup response: %w", err)
	}
	if payload.ResultCount <= 0 || len(payload.Results) == 0 {
		log.Debug("appstore lookup miss", "reason", "no results")
		return AppInfo{}, false, nil
	}
	info := payload.Results[0]
	log.Debug("appstore lookup ok", "track_id", info.TrackID, "version", info.Version)
	return info, true, nil
}

var appIDPattern = regexp.MustCompile(`id(\d+)`)

// ExtractAppID pulls the numeric id out of an App Store URL such as
// https://apps.apple.com/us/app/telegram/id686449807?l=en. The last "id<digits>"
// segment before the query wins, so slugs containing "id" do not confuse it.
func ExtractAppID(rawURL string) (string, bool) {
	if q := strings.IndexByte(rawURL, '?'); q >= 0 {
		rawURL = rawURL[:q]
	}
	matches := appIDPattern.FindAllStringSubmatch(rawURL, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// ResolveIdentifier turns user input into a lookup identifier. URLs are
// reduced to their numeric id; anything else is used as given.
func ResolveIdentifier(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", schema.ErrInvalidIdentifier
	}
	if !strings.HasPrefix(arg, "http") {
		return arg, nil
	}
	id, ok := ExtractAppID(arg)
	if !ok {
		return "", schema.ErrInvalidIdentifier
	}
	return id, nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var errNoLookup = errors.New("lookup client is not configured")

// Lookuper is the lookup surface used by the command handler and the monitor.
type Lookuper interface {
	Lookup(ctx context.Context, identifier string) (AppInfo, bool, error)
}

// LookupFunc adapts a function to Lookuper.
type LookupFunc func(ctx context.Context, identifier string) (AppInfo, bool, error)

// Lookup calls f.
func (f LookupFunc) Lookup(ctx context.Context, identifier string) (AppInfo, bool, error) {
	if f == nil {
		return AppInfo{}, false, errNoLookup
	}
	return f(ctx, identifier)
}
