// Package tasks maintains the cache of external tasks and projects them as
// ActivityPub Note objects overlaid with ledger-derived claim state.
//
// The task source of truth is an external issue tracker; this package treats
// it as an opaque read-only feed and owns nothing but the cache.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RefreshInterval is how often the upstream task list is re-fetched.
const RefreshInterval = 5 * time.Minute

// Task is one cached task record.
type Task struct {
	ID        string    // QUASI-<nnn>
	Number    int
	Title     string
	URL       string
	Body      string
	Labels    []string
	FetchedAt time.Time
}

// issue mirrors the GitHub issues API shape.
type issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"html_url"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// Fetcher pulls open tasks from the configured source URL.
type Fetcher struct {
	sourceURL string
	token     string
	client    *http.Client
	clock     func() time.Time
}

// NewFetcher creates a fetcher for sourceURL. token is optional and grants
// a higher upstream rate limit.
func NewFetcher(sourceURL, token string) *Fetcher {
	return &Fetcher{
		sourceURL: sourceURL,
		token:     token,
		client:    &http.Client{Timeout: 10 * time.Second},
		clock:     time.Now,
	}
}

// WithClient overrides the HTTP client for testing.
func (f *Fetcher) WithClient(client *http.Client) *Fetcher {
	f.client = client
	return f
}

// Fetch returns the current upstream task list.
func (f *Fetcher) Fetch(ctx context.Context) ([]Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tasks: fetch: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tasks: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tasks: fetch: status %d", resp.StatusCode)
	}

	var issues []issue
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, fmt.Errorf("tasks: fetch: decode: %w", err)
	}

	now := f.clock()
	out := make([]Task, 0, len(issues))
	for _, is := range issues {
		labels := make([]string, 0, len(is.Labels))
		for _, l := range is.Labels {
			labels = append(labels, l.Name)
		}
		out = append(out, Task{
			ID:        TaskID(is.Number),
			Number:    is.Number,
			Title:     is.Title,
			URL:       is.URL,
			Body:      is.Body,
			Labels:    labels,
			FetchedAt: now,
		})
	}
	return out, nil
}

// TaskID derives the stable task identifier from an issue number.
func TaskID(number int) string {
	return fmt.Sprintf("QUASI-%03d", number)
}

// GenesisTasks is the built-in fallback used when the upstream source is
// unreachable at startup and no cache exists yet.
func GenesisTasks(repoURL string, now time.Time) []Task {
	return []Task{
		{
			ID:        TaskID(1),
			Number:    1,
			Title:     "QUASI-001: Ehrenfest CBOR Schema",
			URL:       repoURL + "/issues/1",
			Body:      "Define CBOR/CDDL schema for Ehrenfest base types.",
			FetchedAt: now,
		},
		{
			ID:        TaskID(2),
			Number:    2,
			Title:     "QUASI-002: HAL Contract Python Bindings",
			URL:       repoURL + "/issues/2",
			Body:      "Python FFI for the HAL Contract.",
			FetchedAt: now,
		},
		{
			ID:        TaskID(3),
			Number:    3,
			Title:     "QUASI-003: quasi-board ActivityPub Prototype",
			URL:       repoURL + "/issues/3",
			Body:      "Federated task feed using ActivityPub.",
			FetchedAt: now,
		},
	}
}
