package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"curator/internal/config"
	"curator/internal/services"
)

const sampleFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>urn:reservation:42</id>
    <title>InP nanowire imaging</title>
    <author><name>jdoe</name></author>
    <summary>Phase mapping for the nanowire project</summary>
    <start>2024-04-22T09:00:00Z</start>
    <end>2024-04-22T12:00:00Z</end>
  </entry>
  <entry>
    <id>urn:reservation:43</id>
    <title>broken entry</title>
    <start>not a timestamp</start>
    <end>2024-04-22T13:00:00Z</end>
  </entry>
</feed>`

func testClient(baseURL string, opts ...Option) *Client {
	cfg := config.Calendar{
		Enabled:        true,
		BaseURL:        baseURL,
		Token:          "sekrit",
		RequestTimeout: 2,
		RetryAttempts:  3,
	}
	opts = append(opts, WithSleeper(func(time.Duration) {}))
	return New(cfg, opts...)
}

func TestReservationsParsesFeed(t *testing.T) {
	var gotAuth, gotInstrument atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotInstrument.Store(r.URL.Query().Get("instrument"))
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	client := testClient(server.URL)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	reservations, err := client.Reservations(context.Background(), "SEM1-cal", start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("reservations: %v", err)
	}
	if gotAuth.Load() != "Bearer sekrit" {
		t.Errorf("auth header = %v", gotAuth.Load())
	}
	if gotInstrument.Load() != "SEM1-cal" {
		t.Errorf("instrument query = %v", gotInstrument.Load())
	}
	// The malformed second entry is dropped, not fatal.
	if len(reservations) != 1 {
		t.Fatalf("reservations = %d, want 1", len(reservations))
	}
	res := reservations[0]
	if res.ID != "urn:reservation:42" || res.User != "jdoe" || res.Title != "InP nanowire imaging" {
		t.Fatalf("reservation = %+v", res)
	}
}

func TestReservationsRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	var slept []time.Duration
	client := testClient(server.URL, WithSleeper(func(d time.Duration) { slept = append(slept, d) }))
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	reservations, err := client.Reservations(context.Background(), "SEM1-cal", start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("reservations: %v", err)
	}
	if len(reservations) != 1 {
		t.Fatalf("reservations = %d, want 1", len(reservations))
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	for _, d := range slept {
		if d != time.Second {
			t.Fatalf("slept %v, want Retry-After of 1s honored", d)
		}
	}
}

func TestReservationsExhaustionIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(server.URL)
	start := time.Now().UTC()
	_, err := client.Reservations(context.Background(), "SEM1-cal", start, start.Add(time.Hour))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestReservationsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := testClient(server.URL)
	start := time.Now().UTC()
	_, err := client.Reservations(context.Background(), "SEM1-cal", start, start.Add(time.Hour))
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, services.ErrTransient) {
		t.Fatalf("err = %v, want non-transient", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want no retries", calls.Load())
	}
}

func TestReservationsRequiresCalendarID(t *testing.T) {
	client := testClient("http://localhost:0")
	_, err := client.Reservations(context.Background(), "  ", time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestBestMatch(t *testing.T) {
	base := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	reservations := []Reservation{
		{ID: "a", Start: base, End: base.Add(time.Hour)},
		{ID: "b", Start: base.Add(30 * time.Minute), End: base.Add(3 * time.Hour)},
	}
	// Window 10:00-12:00 overlaps a for 0 and b for 2h.
	got := BestMatch(reservations, base.Add(time.Hour), base.Add(3*time.Hour))
	if got == nil || got.ID != "b" {
		t.Fatalf("best = %+v, want b", got)
	}
	if BestMatch(reservations, base.Add(5*time.Hour), base.Add(6*time.Hour)) != nil {
		t.Fatal("no overlap should yield nil")
	}
}
