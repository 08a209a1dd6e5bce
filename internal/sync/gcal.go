// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/metrics"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

const (
	// calendarScope is the read-only Google Calendar OAuth scope.
	calendarScope = "https://www.googleapis.com/auth/calendar.readonly"

	// defaultTokenURL is Google's OAuth token endpoint.
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	// defaultAPIBaseURL is the Calendar v3 API root.
	defaultAPIBaseURL = "https://www.googleapis.com/calendar/v3"

	// maxEventResults caps a single event list request.
	maxEventResults = 2500

	// tokenRefreshBuffer refreshes tokens this long before expiry.
	tokenRefreshBuffer = 5 * time.Minute
)

// serviceAccountKey is the subset of a Google service account JSON key
// the client needs.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// CalendarEvent is one Google Calendar event, trimmed to the fields the
// tracker reads.
type CalendarEvent struct {
	Summary     string
	Description string
	Start       time.Time
	AllDay      bool
}

// GoogleCalendarClient reads class schedules from Google Calendar using
// a service account. Tokens are minted locally as RS256-signed JWT
// assertions and exchanged at Google's token endpoint; no OAuth browser
// flow is involved.
//
// Thread safety: not safe for concurrent use; the coordinator is the
// only caller.
type GoogleCalendarClient struct {
	key        *serviceAccountKey
	signingKey interface{}

	tokenURL   string
	apiBaseURL string
	client     *http.Client

	accessToken string
	tokenExpiry time.Time

	now func() time.Time
}

// NewGoogleCalendarClient loads the service account key file and
// returns a client.
func NewGoogleCalendarClient(serviceAccountPath string) (*GoogleCalendarClient, error) {
	raw, err := os.ReadFile(serviceAccountPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key: %w", err)
	}
	return newGoogleCalendarClient(raw)
}

func newGoogleCalendarClient(keyJSON []byte) (*GoogleCalendarClient, error) {
	key := &serviceAccountKey{}
	if err := json.Unmarshal(keyJSON, key); err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account key missing client_email or private_key")
	}

	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}

	tokenURL := key.TokenURI
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	return &GoogleCalendarClient{
		key:        key,
		signingKey: signingKey,
		tokenURL:   tokenURL,
		apiBaseURL: defaultAPIBaseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}, nil
}

// token returns a valid access token, minting a new one when the cached
// token is within the refresh buffer of expiry.
func (g *GoogleCalendarClient) token(ctx context.Context) (string, error) {
	if g.accessToken != "" && g.now().Before(g.tokenExpiry.Add(-tokenRefreshBuffer)) {
		return g.accessToken, nil
	}

	now := g.now()
	claims := jwt.MapClaims{
		"iss":   g.key.ClientEmail,
		"scope": calendarScope,
		"aud":   g.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, readBodyForError(resp.Body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	g.accessToken = tokenResp.AccessToken
	g.tokenExpiry = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	logging.Debug().Time("expiry", g.tokenExpiry).Msg("Refreshed calendar access token")
	return g.accessToken, nil
}

// FetchEvents lists events on the calendar between from and to,
// querying each search term separately and merging the results.
func (g *GoogleCalendarClient) FetchEvents(ctx context.Context, calendarID string, from, to time.Time, searchTerms []string) ([]CalendarEvent, error) {
	var events []CalendarEvent
	for _, term := range searchTerms {
		termEvents, err := g.listEvents(ctx, calendarID, from, to, term)
		if err != nil {
			return nil, fmt.Errorf("failed to list events for %q: %w", term, err)
		}
		events = append(events, termEvents...)
	}
	return events, nil
}

// gcalEventList mirrors the Calendar v3 events.list response.
type gcalEventList struct {
	Items []struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Start       struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

func (g *GoogleCalendarClient) listEvents(ctx context.Context, calendarID string, from, to time.Time, searchTerm string) ([]CalendarEvent, error) {
	tok, err := g.token(ctx)
	if err != nil {
		return nil, err
	}

	var events []CalendarEvent
	pageToken := ""
	for {
		params := url.Values{
			"timeMin":      {from.Format(time.RFC3339)},
			"timeMax":      {to.Format(time.RFC3339)},
			"q":            {searchTerm},
			"maxResults":   {strconv.Itoa(maxEventResults)},
			"singleEvents": {"true"},
			"orderBy":      {"startTime"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		reqURL := fmt.Sprintf("%s/calendars/%s/events?%s", g.apiBaseURL, url.PathEscape(calendarID), params.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create events request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)

		start := time.Now()
		resp, err := g.client.Do(req)
		metrics.RecordUpstream("gcal", time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("events request failed: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			body := readBodyForError(resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("events endpoint returned %d: %s", resp.StatusCode, body)
		}

		var list gcalEventList
		err = json.NewDecoder(resp.Body).Decode(&list)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode events response: %w", err)
		}

		for _, item := range list.Items {
			ev := CalendarEvent{
				Summary:     item.Summary,
				Description: item.Description,
			}
			switch {
			case item.Start.DateTime != "":
				t, err := time.Parse(time.RFC3339, item.Start.DateTime)
				if err != nil {
					continue
				}
				ev.Start = t
			case item.Start.Date != "":
				t, err := time.Parse("2006-01-02", item.Start.Date)
				if err != nil {
					continue
				}
				ev.Start = t
				ev.AllDay = true
			default:
				continue
			}
			events = append(events, ev)
		}

		if list.NextPageToken == "" {
			return events, nil
		}
		pageToken = list.NextPageToken
	}
}

// SessionsFromEvents converts calendar events into session records.
// The instructor comes from an "Instructor:" line in the description.
func SessionsFromEvents(events []CalendarEvent) []models.SessionRecord {
	records := make([]models.SessionRecord, 0, len(events))
	for _, ev := range events {
		tm := "unknown"
		if !ev.AllDay {
			tm = ev.Start.Format("15:04")
		}
		records = append(records, models.SessionRecord{
			Date:       ev.Start.Format("2006-01-02"),
			Time:       tm,
			Instructor: instructorFromDescription(ev.Description),
			Source:     models.SourceCalendar,
			Details:    ev.Summary,
		})
	}
	return records
}

// instructorFromDescription extracts and normalizes the trainer name
// from an event description's "Instructor:" line.
func instructorFromDescription(description string) string {
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := cutPrefixFold(line, "instructor:")
		if !ok {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(rest))
		// Descriptions carry full names; the roster uses first names.
		if first, _, found := strings.Cut(name, " "); found {
			name = first
		}
		if models.KnownTrainer(name) {
			return name
		}
		return "unknown"
	}
	return "unknown"
}

// cutPrefixFold is strings.CutPrefix with case-insensitive matching.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// NextSessionAfter returns the start of the earliest event after t, or
// the zero time when none is scheduled.
func NextSessionAfter(events []CalendarEvent, t time.Time) time.Time {
	var next time.Time
	for _, ev := range events {
		if !ev.Start.After(t) {
			continue
		}
		if next.IsZero() || ev.Start.Before(next) {
			next = ev.Start
		}
	}
	return next
}
