package calendar

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"curator/internal/config"
	"curator/internal/services"
)

const (
	defaultHTTPTimeout    = 15 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryAttempts  = 4
)

// Reservation is one calendar booking for an instrument.
type Reservation struct {
	ID         string
	Instrument string
	Title      string
	User       string
	Purpose    string
	Start      time.Time
	End        time.Time
}

// Client talks to the reservation system's Atom-style XML feed.
type Client struct {
	cfg        config.Calendar
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// New constructs a calendar client from configuration.
func New(cfg config.Calendar, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.RequestTimeout > 0 {
		timeout = time.Duration(cfg.RequestTimeout) * time.Second
	}
	attempts := defaultRetryAttempts
	if cfg.RetryAttempts > 0 {
		attempts = cfg.RetryAttempts
	}
	client := &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: attempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: timeout}
	}
	return client
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("calendar request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Atom feed decoding types.
type feedDocument struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []feedEntry `xml:"entry"`
}

type feedEntry struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Author  feedAuthor `xml:"author"`
	Summary string     `xml:"summary"`
	Start   string     `xml:"start"`
	End     string     `xml:"end"`
}

type feedAuthor struct {
	Name string `xml:"name"`
}

// Reservations queries bookings for one instrument calendar that intersect
// the given range. Transient failures are retried with exponential backoff;
// exhaustion surfaces as ErrTransient so callers can degrade gracefully.
func (c *Client) Reservations(ctx context.Context, calendarID string, start, end time.Time) ([]Reservation, error) {
	if strings.TrimSpace(calendarID) == "" {
		return nil, services.Wrap(services.ErrValidation, "calendar", "reservations",
			"calendar id required", nil)
	}

	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reservations, err := c.fetchOnce(ctx, calendarID, start, end)
		if err == nil {
			return reservations, nil
		}
		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			if isTransient(err) {
				return nil, services.Wrap(services.ErrTransient, "calendar", "reservations",
					"reservation feed unavailable", err)
			}
			return nil, services.Wrap(services.ErrExternalService, "calendar", "reservations",
				"reservation feed request failed", err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, services.Wrap(services.ErrTransient, "calendar", "reservations",
				"reservation feed unavailable", err)
		}
		lastErr = err
	}
	return nil, services.Wrap(services.ErrTransient, "calendar", "reservations",
		fmt.Sprintf("reservation feed unavailable after %d attempts", attempts), lastErr)
}

// HealthCheck verifies the feed endpoint answers at all.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	now := time.Now().UTC()
	_, err := c.Reservations(ctx, "health", now.Add(-time.Minute), now)
	return err
}

func (c *Client) fetchOnce(ctx context.Context, calendarID string, start, end time.Time) ([]Reservation, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "reservations")
	if err != nil {
		return nil, fmt.Errorf("calendar request: build url: %w", err)
	}
	query := url.Values{}
	query.Set("instrument", calendarID)
	query.Set("start", start.UTC().Format(time.RFC3339))
	query.Set("end", end.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("calendar request: new request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar request: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("calendar request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}

	var feed feedDocument
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("calendar request: decode feed: %w", err)
	}
	reservations := make([]Reservation, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		res, err := entryToReservation(calendarID, entry)
		if err != nil {
			// A malformed entry never poisons the rest of the feed.
			continue
		}
		reservations = append(reservations, res)
	}
	return reservations, nil
}

func entryToReservation(calendarID string, entry feedEntry) (Reservation, error) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.Start))
	if err != nil {
		return Reservation{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.End))
	if err != nil {
		return Reservation{}, fmt.Errorf("parse end: %w", err)
	}
	return Reservation{
		ID:         strings.TrimSpace(entry.ID),
		Instrument: calendarID,
		Title:      strings.TrimSpace(entry.Title),
		User:       strings.TrimSpace(entry.Author.Name),
		Purpose:    strings.TrimSpace(entry.Summary),
		Start:      start.UTC(),
		End:        end.UTC(),
	}, nil
}

// BestMatch picks the reservation overlapping the window longest. Returns
// nil when none overlaps.
func BestMatch(reservations []Reservation, start, end time.Time) *Reservation {
	var best *Reservation
	var bestOverlap time.Duration
	for i := range reservations {
		res := &reservations[i]
		overlap := overlapDuration(res.Start, res.End, start, end)
		if overlap <= 0 {
			continue
		}
		if best == nil || overlap > bestOverlap || (overlap == bestOverlap && res.Start.Before(best.Start)) {
			best = res
			bestOverlap = overlap
		}
	}
	return best
}

func overlapDuration(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	return end.Sub(start)
}

func isTransient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}

func (c *Client) retryAttempts() int {
	if c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil {
		return 0, false
	}
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if !isTransient(err) {
			return 0, false
		}
		if statusErr.RetryAfter > 0 {
			return c.capDelay(statusErr.RetryAfter), true
		}
		return c.backoffDelay(attempt), true
	}
	if isTransient(err) {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	if base < 0 {
		base = defaultRetryBaseDelay
	}
	if base == 0 {
		return 0
	}
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	// attempt 1 -> base, attempt 2 -> base*2, attempt 3 -> base*4, ...
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}
