// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// newServiceAccountJSON builds a service account key file with a fresh
// RSA key, pointed at the given token endpoint.
func newServiceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	raw, err := json.Marshal(map[string]string{
		"client_email": "tracker@test-project.iam.gserviceaccount.com",
		"private_key":  string(keyPEM),
		"token_uri":    tokenURL,
	})
	if err != nil {
		t.Fatalf("failed to marshal key file: %v", err)
	}
	return raw
}

// newCalendarServer serves a token endpoint plus an events endpoint
// returning the given response per search term.
func newCalendarServer(t *testing.T, tokenRequests *int, eventsByTerm map[string]string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenRequests != nil {
			*tokenRequests++
		}
		if err := r.ParseForm(); err != nil || r.FormValue("assertion") == "" {
			http.Error(w, "missing assertion", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"access_token":"test-token","expires_in":3600}`)
	})
	mux.HandleFunc("/calendars/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, ok := eventsByTerm[r.URL.Query().Get("q")]
		if !ok {
			body = `{"items":[]}`
		}
		fmt.Fprint(w, body)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestCalendarClient(t *testing.T, srv *httptest.Server) *GoogleCalendarClient {
	t.Helper()
	client, err := newGoogleCalendarClient(newServiceAccountJSON(t, srv.URL+"/token"))
	if err != nil {
		t.Fatalf("newGoogleCalendarClient failed: %v", err)
	}
	client.apiBaseURL = srv.URL
	return client
}

func TestFetchEvents(t *testing.T) {
	events := `{"items":[
		{"summary":"Small Group Personal Training","description":"Instructor: Cate Smith","start":{"dateTime":"2024-03-15T09:00:00Z"}},
		{"summary":"Gym Closed","start":{"date":"2024-03-17"}}
	]}`
	srv := newCalendarServer(t, nil, map[string]string{"Fulcrum": events})
	client := newTestCalendarClient(t, srv)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	got, err := client.FetchEvents(context.Background(), "cal-id", from, to, []string{"Fulcrum"})
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Summary != "Small Group Personal Training" || got[0].AllDay {
		t.Errorf("first event = %+v", got[0])
	}
	if !got[1].AllDay || got[1].Start.Format("2006-01-02") != "2024-03-17" {
		t.Errorf("all-day event = %+v", got[1])
	}
}

func TestTokenCaching(t *testing.T) {
	tokenRequests := 0
	srv := newCalendarServer(t, &tokenRequests, nil)
	client := newTestCalendarClient(t, srv)

	ctx := context.Background()
	from := time.Now().Add(-time.Hour)
	to := time.Now()

	for i := 0; i < 3; i++ {
		if _, err := client.FetchEvents(ctx, "cal-id", from, to, []string{"Fulcrum"}); err != nil {
			t.Fatalf("FetchEvents %d failed: %v", i, err)
		}
	}
	if tokenRequests != 1 {
		t.Errorf("token requests = %d, want 1 (cached)", tokenRequests)
	}

	// Within the refresh buffer of expiry, a new token is minted.
	client.tokenExpiry = time.Now().Add(2 * time.Minute)
	if _, err := client.FetchEvents(ctx, "cal-id", from, to, []string{"Fulcrum"}); err != nil {
		t.Fatalf("FetchEvents after expiry failed: %v", err)
	}
	if tokenRequests != 2 {
		t.Errorf("token requests = %d, want 2 after expiry", tokenRequests)
	}
}

func TestFetchEventsMergesSearchTerms(t *testing.T) {
	srv := newCalendarServer(t, nil, map[string]string{
		"Fulcrum":     `{"items":[{"summary":"A","start":{"dateTime":"2024-03-15T09:00:00Z"}}]}`,
		"Small Group": `{"items":[{"summary":"B","start":{"dateTime":"2024-03-16T09:00:00Z"}}]}`,
	})
	client := newTestCalendarClient(t, srv)

	got, err := client.FetchEvents(context.Background(), "cal-id",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		[]string{"Fulcrum", "Small Group"})
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("merged events = %d, want 2", len(got))
	}
}

func TestSessionsFromEvents(t *testing.T) {
	events := []CalendarEvent{
		{
			Summary:     "Small Group",
			Description: "Location: gym\nInstructor: Cate Smith",
			Start:       time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
		},
		{
			Summary: "Open Gym",
			Start:   time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC),
			AllDay:  true,
		},
	}

	records := SessionsFromEvents(events)
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Date != "2024-03-15" || records[0].Time != "09:00" || records[0].Instructor != "cate" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[0].Source != "calendar" {
		t.Errorf("source = %s", records[0].Source)
	}
	if records[1].Time != "unknown" || records[1].Instructor != "unknown" {
		t.Errorf("all-day record = %+v", records[1])
	}
}

func TestInstructorFromDescription(t *testing.T) {
	tests := []struct {
		description string
		want        string
	}{
		{"Instructor: Cate Smith", "cate"},
		{"instructor: SHANE", "shane"},
		{"Notes\nInstructor: Devon Lee\nBring water", "devon"},
		{"Instructor: Bob Unlisted", "unknown"},
		{"No instructor line", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := instructorFromDescription(tt.description); got != tt.want {
			t.Errorf("instructorFromDescription(%q) = %q, want %q", tt.description, got, tt.want)
		}
	}
}

func TestNextSessionAfter(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	events := []CalendarEvent{
		{Start: now.Add(-2 * time.Hour)},
		{Start: now.Add(48 * time.Hour)},
		{Start: now.Add(24 * time.Hour)},
	}

	next := NextSessionAfter(events, now)
	if !next.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("next = %s", next)
	}

	if !NextSessionAfter(nil, now).IsZero() {
		t.Error("no events should yield zero time")
	}
}
