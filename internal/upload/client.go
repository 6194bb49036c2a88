// Package upload pushes finalized doses to Nightscout.
//
// The Client speaks the treatments API. The Worker drains pending dose
// records through it, records the outcome on each record, and reports to the
// activity log and the transient status channel.
package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/store"
)

const (
	// TreatmentsPath is the Nightscout endpoint doses are posted to.
	TreatmentsPath = "/api/v1/treatments"

	// EventType marks uploaded doses in Nightscout.
	EventType = "Correction Bolus"

	// DefaultTimeout bounds a single upload request.
	DefaultTimeout = 30 * time.Second

	createdAtLayout = "2006-01-02T15:04:05.000Z"
	notesPrefix     = "CequrPatchLogger"
)

var (
	// ErrNotConfigured is returned when the URL or the API secret is unset.
	ErrNotConfigured = errors.New("nightscout not configured")

	// ErrInvalidURL is returned for a URL that is neither https nor http to
	// a local address.
	ErrInvalidURL = errors.New("URL must start with https:// (or http:// for localhost only)")
)

// localHosts may be reached over plain http.
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"10.0.2.2":  true,
}

// ValidateURL checks that raw is usable as a Nightscout base URL.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrNotConfigured
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if localHosts[u.Hostname()] {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
}

// HashSecret returns the hex SHA-1 of the API secret, as Nightscout expects
// in the api-secret header.
func HashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Treatment is the Nightscout treatment document for one dose.
type Treatment struct {
	EventType string  `json:"eventType"`
	Insulin   float64 `json:"insulin"`
	CreatedAt string  `json:"created_at"`
	Notes     string  `json:"notes"`
}

// NewTreatment builds the treatment for a dose record.
func NewTreatment(d store.Dose) Treatment {
	conc := settings.ConcentrationFromValue(d.Concentration)
	return Treatment{
		EventType: EventType,
		Insulin:   d.Units,
		CreatedAt: d.FinalizedAt.UTC().Format(createdAtLayout),
		Notes:     fmt.Sprintf("%s: %d clicks, %s, %s", notesPrefix, d.Clicks, conc, d.InsulinName),
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "Upload failed: " + e.Status
}

// Poster uploads one treatment.
type Poster interface {
	Post(ctx context.Context, t Treatment) error
}

// Client posts treatments to one Nightscout site.
type Client struct {
	endpoint     string
	hashedSecret string
	http         *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient validates the URL and secret and returns a Client.
// Returns ErrNotConfigured when either is empty.
func NewClient(baseURL, apiSecret string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" || apiSecret == "" {
		return nil, ErrNotConfigured
	}
	if err := ValidateURL(baseURL); err != nil {
		return nil, err
	}

	c := &Client{
		endpoint:     strings.TrimRight(strings.TrimSpace(baseURL), "/") + TreatmentsPath,
		hashedSecret: HashSecret(apiSecret),
		http:         &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Post uploads t. Any non-2xx response is a *StatusError.
func (c *Client) Post(ctx context.Context, t Treatment) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding treatment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-secret", c.hashedSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}
