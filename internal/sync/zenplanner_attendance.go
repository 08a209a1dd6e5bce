// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// timePattern extracts a 24h HH:MM time from day block tooltips.
var timePattern = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)

// FetchAttendance walks the attendance calendar month by month from
// `from` through `to` and returns the attended sessions found. Months
// with no attendance yield no records and no error: an empty month is
// normal, not a failure.
func (c *ZenPlannerClient) FetchAttendance(ctx context.Context, from, to time.Time) ([]models.SessionRecord, error) {
	var records []models.SessionRecord

	current := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)

	for !current.After(end) {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}

		pageURL := fmt.Sprintf("%s/calendar.cfm?startdate=%s", c.baseURL, current.Format("2006-01-02"))
		doc, err := c.getAuthenticated(ctx, pageURL)
		if err != nil {
			return records, fmt.Errorf("failed to fetch calendar month %s: %w", current.Format("2006-01"), err)
		}

		monthRecords := parseDayBlocks(doc)
		records = append(records, monthRecords...)

		logging.Debug().
			Str("month", current.Format("2006-01")).
			Int("sessions", len(monthRecords)).
			Msg("Fetched attendance month")

		// Prefer the portal's own next-month link; fall back to manual
		// month arithmetic when the nav is missing.
		next, ok := nextMonthFromNav(doc)
		if !ok {
			next = current.AddDate(0, 1, 0)
		}
		if !next.After(current) {
			// A nav link pointing backwards would loop forever.
			next = current.AddDate(0, 1, 0)
		}
		current = next
	}

	return records, nil
}

// parseDayBlocks extracts session records from a calendar month page.
// Each attended day renders as a div.dayBlock with a date attribute and
// state classes (attended, hasResults, isPR); the tooltip carries class
// details including the instructor.
func parseDayBlocks(doc *html.Node) []models.SessionRecord {
	var records []models.SessionRecord

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "div" || !hasClass(n, "dayBlock") {
			return true
		}

		date := attr(n, "date")
		if date == "" {
			return true
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return true
		}
		if !hasClass(n, "attended") {
			return true
		}

		details := dayBlockTooltip(n)
		records = append(records, models.SessionRecord{
			Date:       date,
			Time:       extractTime(details),
			Instructor: extractInstructor(details),
			Source:     models.SourceAttendance,
			Attended:   true,
			HasResults: hasClass(n, "hasResults"),
			IsPR:       hasClass(n, "isPR"),
			Details:    details,
		})
		return true
	})

	return records
}

// dayBlockTooltip returns the text of the block's tooltiptext child.
func dayBlockTooltip(block *html.Node) string {
	var tooltip string
	walk(block, func(n *html.Node) bool {
		if n.Type == html.ElementNode && hasClass(n, "tooltiptext") {
			tooltip = textContent(n)
			return false
		}
		return true
	})
	return tooltip
}

// extractTime pulls the first HH:MM time out of tooltip text, or
// "unknown" when no time is present.
func extractTime(details string) string {
	m := timePattern.FindString(details)
	if m == "" {
		return "unknown"
	}
	// Normalize "9:00" to "09:00".
	if len(m) == 4 {
		m = "0" + m
	}
	return m
}

// extractInstructor scans tooltip text for a known trainer name. The
// tooltip has no fixed layout, so match against the roster.
func extractInstructor(details string) string {
	lower := strings.ToLower(details)
	for _, trainer := range models.Trainers {
		if trainer == "unknown" {
			continue
		}
		if strings.Contains(lower, trainer) {
			return trainer
		}
	}
	return "unknown"
}

// nextMonthFromNav finds the calendar's next-month navigation link and
// returns its startdate. The portal occasionally omits the link on the
// final month.
func nextMonthFromNav(doc *html.Node) (time.Time, bool) {
	var next time.Time
	var found bool

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "a" {
			return true
		}
		href := attr(n, "href")
		idx := strings.Index(href, "startdate=")
		if idx < 0 {
			return true
		}
		raw := href[idx+len("startdate="):]
		if amp := strings.IndexByte(raw, '&'); amp >= 0 {
			raw = raw[:amp]
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return true
		}
		// The nav renders both previous and next links; the next link
		// is the latest startdate on the page.
		if !found || t.After(next) {
			next = t
			found = true
		}
		return true
	})

	return next, found
}
