// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package sync implements the upstream clients: the ZenPlanner member
// portal (attendance calendar and PR page, scraped HTML) and Google
// Calendar (class schedule and Matrix workout entries).
package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/fulcrumtracker/fulcrumtracker/internal/config"
	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/metrics"
)

// maxErrorBodySize limits how much of an upstream response body is read
// for error reporting.
const maxErrorBodySize = 64 * 1024 // 64KB

// readBodyForError reads a response body for error reporting, capped at
// maxErrorBodySize.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

// ZenPlannerClient scrapes the ZenPlanner member portal. The portal has
// no API: authentication is the member login form and data comes from
// the attendance calendar and workout PR pages.
//
// Thread safety: not safe for concurrent use. The coordinator is the
// only caller and cycles never overlap.
type ZenPlannerClient struct {
	baseURL  string
	email    string
	password string
	personID string

	client  *http.Client
	limiter *rate.Limiter

	loggedIn   bool
	maxRetries int
}

// NewZenPlannerClient creates a portal client. fetchDelay spaces page
// requests so month-by-month backfills stay polite.
func NewZenPlannerClient(cfg *config.ZenPlannerConfig, fetchDelay time.Duration) (*ZenPlannerClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	limit := rate.Inf
	if fetchDelay > 0 {
		limit = rate.Every(fetchDelay)
	}

	return &ZenPlannerClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		password: cfg.Password,
		personID: cfg.PersonID,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: 3,
	}, nil
}

// Login authenticates against the member login form. The form carries a
// hidden __xsToken input that must be scraped first and echoed back.
// Success is detected by the post-login redirect landing on a person
// page.
func (c *ZenPlannerClient) Login(ctx context.Context) error {
	start := time.Now()
	err := c.login(ctx)
	metrics.RecordUpstream("zenplanner", time.Since(start), err)
	return err
}

func (c *ZenPlannerClient) login(ctx context.Context) error {
	loginURL := c.baseURL + "/login.cfm"

	page, _, err := c.get(ctx, loginURL)
	if err != nil {
		return fmt.Errorf("failed to fetch login page: %w", err)
	}

	token := findInputValue(page, "__xsToken")
	if token == "" {
		return fmt.Errorf("login page has no __xsToken field")
	}

	form := url.Values{
		"username":  {c.email},
		"password":  {c.password},
		"__xsToken": {token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The portal redirects straight to the member's person page on
	// success and re-renders the login form on failure.
	finalURL := resp.Request.URL.String()
	if !strings.Contains(finalURL, "person.cfm") {
		return fmt.Errorf("login rejected, landed on %s", finalURL)
	}

	// The person page URL carries the member GUID; capture it when the
	// operator did not configure one.
	if c.personID == "" {
		if id := resp.Request.URL.Query().Get("personId"); id != "" {
			c.personID = id
			logging.Info().Str("person_id", id).Msg("Auto-detected ZenPlanner person ID")
		}
	}

	c.loggedIn = true
	logging.Debug().Msg("ZenPlanner login succeeded")
	return nil
}

// ensureLoggedIn logs in on first use.
func (c *ZenPlannerClient) ensureLoggedIn(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	return c.Login(ctx)
}

// Close drops the session state so the next call re-authenticates.
func (c *ZenPlannerClient) Close() {
	c.loggedIn = false
	if jar, err := cookiejar.New(nil); err == nil {
		c.client.Jar = jar
	}
}

// get fetches a page, honoring the politeness limiter, and returns the
// parsed HTML document plus the final URL after redirects. A session
// that has expired redirects back to the login form; the caller sees
// that through the returned URL.
func (c *ZenPlannerClient) get(ctx context.Context, pageURL string) (*html.Node, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body := readBodyForError(resp.Body)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, pageURL, body)
			// Client errors will not improve with retries.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, "", lastErr
			}
			continue
		}

		doc, err := html.Parse(resp.Body)
		finalURL := resp.Request.URL.String()
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to parse HTML from %s: %w", pageURL, err)
			continue
		}
		return doc, finalURL, nil
	}

	return nil, "", fmt.Errorf("giving up after %d attempts: %w", c.maxRetries, lastErr)
}

// getAuthenticated fetches a page with a live session, re-logging-in
// once if the portal bounced the request to the login form.
func (c *ZenPlannerClient) getAuthenticated(ctx context.Context, pageURL string) (*html.Node, error) {
	if err := c.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}

	doc, finalURL, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if strings.Contains(finalURL, "login.cfm") {
		logging.Debug().Msg("ZenPlanner session expired, re-authenticating")
		c.loggedIn = false
		if err := c.ensureLoggedIn(ctx); err != nil {
			return nil, err
		}
		doc, finalURL, err = c.get(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if strings.Contains(finalURL, "login.cfm") {
			return nil, fmt.Errorf("still unauthenticated after re-login")
		}
	}
	return doc, nil
}

// --- HTML helpers ---

// findInputValue returns the value attribute of the first <input> whose
// name attribute matches.
func findInputValue(doc *html.Node, name string) string {
	var value string
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == name {
			value = attr(n, "value")
			return false
		}
		return true
	})
	return value
}

// walk traverses the node tree depth-first, stopping when fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if !walk(child, fn) {
			return false
		}
	}
	return true
}

// attr returns the named attribute of a node, or empty string.
func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasClass reports whether the node's class attribute contains the
// given class name.
func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// textContent returns the concatenated text of a node's subtree.
func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(node *html.Node) bool {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		return true
	})
	return strings.TrimSpace(sb.String())
}
