// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

var (
	// resultSetPattern extracts the embedded PR data the page hands to
	// its own JavaScript. Scraping the rendered table is far more
	// brittle than lifting the source array.
	// (?s) because the array spans multiple lines in the page source.
	resultSetPattern = regexp.MustCompile(`(?s)personResults\.resultSet\s*=\s*(\[.*?\]);`)

	// guidPattern matches the member GUID embedded in portal pages.
	guidPattern = regexp.MustCompile(`[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}`)
)

// prRow mirrors one entry of the page's resultSet array.
type prRow struct {
	SkillName  string `json:"skillname"`
	PR         string `json:"pr"`
	LastResult string `json:"lastresult"`
	DaysSince  *int   `json:"dayssince"`
	Tries      int    `json:"tries"`
	LastDate   string `json:"lastdate"`
}

// exerciseTypes maps exercise name fragments to PR categories.
// Checked in order; first match wins.
var exerciseTypes = []struct {
	fragment string
	prType   string
}{
	{"back squat", "squat"},
	{"front squat", "squat"},
	{"squat", "squat"},
	{"deadlift", "deadlift"},
	{"bench", "press"},
	{"press", "press"},
	{"clean", "olympic"},
	{"snatch", "olympic"},
	{"jerk", "olympic"},
	{"row", "conditioning"},
	{"run", "conditioning"},
	{"ski", "conditioning"},
	{"bike", "conditioning"},
}

// FetchPRs scrapes the workout PR page and returns all recorded
// personal records. The member GUID is auto-detected from the page when
// not configured.
func (c *ZenPlannerClient) FetchPRs(ctx context.Context) ([]models.PRRecord, error) {
	if err := c.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}

	pageURL := c.baseURL + "/workout-pr-page.cfm"
	if c.personID != "" {
		pageURL += "?personId=" + c.personID
	}

	body, err := c.getRaw(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PR page: %w", err)
	}

	if c.personID == "" {
		if id := guidPattern.FindString(body); id != "" {
			c.personID = id
			logging.Info().Str("person_id", id).Msg("Auto-detected ZenPlanner person ID from PR page")
		}
	}

	m := resultSetPattern.FindStringSubmatch(body)
	if m == nil {
		// A member with no logged workouts renders the page without
		// the resultSet block.
		logging.Debug().Msg("PR page has no result set")
		return nil, nil
	}

	var rows []prRow
	if err := json.Unmarshal([]byte(m[1]), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse PR result set: %w", err)
	}

	records := make([]models.PRRecord, 0, len(rows))
	for _, row := range rows {
		if row.SkillName == "" || row.PR == "" {
			continue
		}
		daysSince := -1
		if row.DaysSince != nil {
			daysSince = *row.DaysSince
		}
		records = append(records, models.PRRecord{
			Exercise:   strings.ToLower(strings.TrimSpace(row.SkillName)),
			Type:       classifyExercise(row.SkillName),
			Value:      strings.TrimSpace(row.PR),
			LastResult: strings.TrimSpace(row.LastResult),
			DaysSince:  daysSince,
			Tries:      row.Tries,
			LastDate:   row.LastDate,
		})
	}

	return records, nil
}

// classifyExercise buckets an exercise name into a PR category.
func classifyExercise(name string) string {
	lower := strings.ToLower(name)
	for _, e := range exerciseTypes {
		if strings.Contains(lower, e.fragment) {
			return e.prType
		}
	}
	return "other"
}

// getRaw fetches a page and returns the raw body. Used where data is
// extracted by regex from inline scripts rather than the DOM.
func (c *ZenPlannerClient) getRaw(ctx context.Context, pageURL string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, pageURL, readBodyForError(resp.Body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}
