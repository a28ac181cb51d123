package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reviewbot/pkg/telemetry"
)

const (
	defaultAPIBase = "https://api.github.com"
	defaultRepo    = "NixOS/nixpkgs"

	acceptHeader = "application/vnd.github.v3+json"
)

// ErrUnauthorized marks a 401-class response. Token problems are not
// retryable; callers are expected to treat this as fatal.
var ErrUnauthorized = errors.New("github: unauthorized")

// Client is a minimal GitHub REST client scoped to one repository.
type Client struct {
	apiBase string
	repo    string
	token   string
	http    *http.Client
}

// Option adjusts a Client. Mostly used by tests to point at httptest
// servers.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithRepo overrides the owner/name repository slug.
func WithRepo(repo string) Option {
	return func(c *Client) { c.repo = repo }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client authenticating with the given token. An empty token
// is allowed; requests then run unauthenticated at the anonymous rate
// limit.
func New(token string, opts ...Option) *Client {
	c := &Client{
		apiBase: defaultAPIBase,
		repo:    defaultRepo,
		token:   token,
		http:    telemetry.InstrumentedClient(30 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repo returns the owner/name slug this client is scoped to.
func (c *Client) Repo() string { return c.repo }

// Event is one entry from the repository event feed.
type Event struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the fields reviewbot looks at; everything else in
// the upstream payload is ignored.
type EventPayload struct {
	Action      string       `json:"action"`
	Number      int          `json:"number"`
	PullRequest *PullRequest `json:"pull_request"`
}

// PullRequest is the subset of the pulls API response the pipeline needs.
type PullRequest struct {
	Number      int    `json:"number"`
	State       string `json:"state"`
	Draft       bool   `json:"draft"`
	Body        string `json:"body"`
	StatusesURL string `json:"statuses_url"`
	User        User   `json:"user"`
	Base        Ref    `json:"base"`
	Links       Links  `json:"_links"`
}

// User identifies a GitHub account.
type User struct {
	Login string `json:"login"`
}

// Ref names a branch endpoint of a pull request.
type Ref struct {
	Label string `json:"label"`
}

// Links holds hypermedia references from the pulls API.
type Links struct {
	Self Href `json:"self"`
}

// Href is a single hypermedia link.
type Href struct {
	Href string `json:"href"`
}

// Status is one commit status entry.
type Status struct {
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// Comment is one issue comment.
type Comment struct {
	Body string `json:"body"`
	User User   `json:"user"`
}

// EventsPage is the outcome of one poll of the repository event feed.
type EventsPage struct {
	// Status is the upstream HTTP status. Events is only populated on 200.
	Status int
	Events []Event
	// Etag is the change token to present on the next poll; empty when the
	// response carried none.
	Etag string
	// PollInterval is the server-suggested wait, zero when absent.
	PollInterval time.Duration
}

// Events polls the repository event feed with the given change token.
// A 401 response returns ErrUnauthorized; any other status is reported via
// the page, not as an error.
func (c *Client) Events(ctx context.Context, etag string) (*EventsPage, error) {
	url := fmt.Sprintf("%s/repos/%s/events", c.apiBase, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	}

	page := &EventsPage{Status: resp.StatusCode}
	if v := resp.Header.Get("Etag"); v != "" {
		page.Etag = strings.TrimPrefix(v, "W/")
	}
	if v := resp.Header.Get("X-Poll-Interval"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			page.PollInterval = time.Duration(secs) * time.Second
		}
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return page, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(&page.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return page, nil
}

// PullRequest fetches one pull request.
func (c *Client) PullRequest(ctx context.Context, number int) (*PullRequest, error) {
	var pr PullRequest
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.apiBase, c.repo, number)
	if err := c.getJSON(ctx, url, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// PullRequestAt fetches a pull request by its API URL, as found in event
// payload links.
func (c *Client) PullRequestAt(ctx context.Context, url string) (*PullRequest, error) {
	var pr PullRequest
	if err := c.getJSON(ctx, url, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// Statuses fetches the commit status list at the given URL.
func (c *Client) Statuses(ctx context.Context, url string) ([]Status, error) {
	var statuses []Status
	if err := c.getJSON(ctx, url, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// IssueComments fetches the comments on a pull request.
func (c *Client) IssueComments(ctx context.Context, number int) ([]Comment, error) {
	var comments []Comment
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.apiBase, c.repo, number)
	if err := c.getJSON(ctx, url, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// GetText fetches a raw text document without API headers, e.g. a gist raw
// URL or a pull request diff.
func (c *Client) GetText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github: GET %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) getJSON(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("github: GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes.TrimSpace(data), dest)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", acceptHeader)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
}
