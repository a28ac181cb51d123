package frontend

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
)

// prServer serves one pull request plus its status list, mutable between
// polls.
type prServer struct {
	mu       sync.Mutex
	pr       github.PullRequest
	statuses []github.Status
}

func (s *prServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pr", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(s.pr)
	})
	mux.HandleFunc("/statuses", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(s.statuses)
	})
	return httptest.NewServer(mux)
}

func (s *prServer) set(pr github.PullRequest, statuses []github.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pr = pr
	s.statuses = statuses
}

func newTestResolver(baseURL string) *Resolver {
	r := NewResolver(github.New("", github.WithBaseURL(baseURL)), policy.Default(), log.New(io.Discard, "", 0))
	r.Interval = time.Millisecond
	return r
}

func prEvent(base string, number int) github.Event {
	return github.Event{
		Type: "PullRequestEvent",
		Payload: github.EventPayload{
			Action: "opened",
			Number: number,
			PullRequest: &github.PullRequest{
				Number: number,
				Links:  github.Links{Self: github.Href{Href: base + "/pr"}},
			},
		},
	}
}

func readyPR(base string, number int) github.PullRequest {
	return github.PullRequest{
		Number:      number,
		State:       "open",
		StatusesURL: base + "/statuses",
		Links:       github.Links{Self: github.Href{Href: base + "/pr"}},
	}
}

func TestResolveEvaluatorFailure(t *testing.T) {
	srv := &prServer{}
	ts := srv.start(t)
	defer ts.Close()

	srv.set(readyPR(ts.URL, 10), []github.Status{
		{State: "failure", Description: ofborgFailureDescription},
	})

	eval, err := newTestResolver(ts.URL).Resolve(context.Background(), prEvent(ts.URL, 10))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eval != nil {
		t.Errorf("Resolve = %+v, want nil for an evaluator failure", eval)
	}
}

func TestResolveSuccessWithoutArtifact(t *testing.T) {
	srv := &prServer{}
	ts := srv.start(t)
	defer ts.Close()

	// Success with no target URL means nothing is affected.
	srv.set(readyPR(ts.URL, 11), []github.Status{
		{State: "success", Description: ofborgSuccessDescription},
	})

	eval, err := newTestResolver(ts.URL).Resolve(context.Background(), prEvent(ts.URL, 11))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eval != nil {
		t.Errorf("Resolve = %+v, want nil for an empty evaluation", eval)
	}
}

func TestResolveIgnoresUnrelatedStatuses(t *testing.T) {
	srv := &prServer{}
	ts := srv.start(t)
	defer ts.Close()

	// A matching description in the wrong state, and a matching state
	// with the wrong description, are both somebody else's CI.
	srv.set(readyPR(ts.URL, 12), []github.Status{
		{State: "pending", Description: ofborgSuccessDescription},
		{State: "success", Description: "Build done"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	eval, err := newTestResolver(ts.URL).Resolve(ctx, prEvent(ts.URL, 12))
	if err == nil {
		t.Fatalf("Resolve = %+v, want a context error while waiting", eval)
	}
}

func TestResolveWaitsForDraftToLeave(t *testing.T) {
	srv := &prServer{}
	ts := srv.start(t)
	defer ts.Close()

	draft := readyPR(ts.URL, 13)
	draft.Draft = true
	srv.set(draft, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.set(readyPR(ts.URL, 13), []github.Status{
			{State: "failure", Description: ofborgFailureDescription},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eval, err := newTestResolver(ts.URL).Resolve(ctx, prEvent(ts.URL, 13))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eval != nil {
		t.Errorf("Resolve = %+v, want nil", eval)
	}
}

func TestResolveDeadline(t *testing.T) {
	srv := &prServer{}
	ts := srv.start(t)
	defer ts.Close()

	// No verdict ever arrives.
	srv.set(readyPR(ts.URL, 14), nil)

	r := newTestResolver(ts.URL)
	r.Deadline = 10 * time.Millisecond

	eval, err := r.Resolve(context.Background(), prEvent(ts.URL, 14))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eval != nil {
		t.Errorf("Resolve = %+v, want nil after the deadline", eval)
	}
}

func TestParsePackageListing(t *testing.T) {
	pol := policy.Default()
	noise := pol.NoiseAttrs[0]

	tests := []struct {
		name string
		text string
		want map[string][]string
	}{
		{
			name: "groups and sorts per system",
			text: "x86_64-linux zsh\naarch64-linux python3\nx86_64-linux bash\n",
			want: map[string][]string{
				"x86_64-linux":  {"bash", "zsh"},
				"aarch64-linux": {"python3"},
			},
		},
		{
			name: "deduplicates repeated attributes",
			text: "x86_64-linux zsh\nx86_64-linux zsh\n",
			want: map[string][]string{"x86_64-linux": {"zsh"}},
		},
		{
			name: "drops noise attributes and malformed lines",
			text: "x86_64-linux " + noise + "\nnot-a-pair\nx86_64-linux zsh extra\naarch64-linux htop\n",
			want: map[string][]string{"aarch64-linux": {"htop"}},
		},
		{
			name: "empty artifact",
			text: "",
			want: map[string][]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePackageListing(tt.text, pol)
			if len(got) != len(tt.want) {
				t.Fatalf("parsed %v, want %v", got, tt.want)
			}
			for system, attrs := range tt.want {
				gotAttrs := got[system]
				if len(gotAttrs) != len(attrs) {
					t.Fatalf("system %s: parsed %v, want %v", system, gotAttrs, attrs)
				}
				for i := range attrs {
					if gotAttrs[i] != attrs[i] {
						t.Errorf("system %s: parsed %v, want %v", system, gotAttrs, attrs)
					}
				}
			}
		})
	}
}

func TestEvaluationCounts(t *testing.T) {
	eval := &Evaluation{
		URL: "https://example.com/eval",
		PackagesPerSystem: map[string][]string{
			"x86_64-linux":  {"a", "b", "c"},
			"aarch64-linux": {},
		},
	}

	counts := eval.Counts()
	if counts["x86_64-linux"] != 3 || counts["aarch64-linux"] != 0 {
		t.Errorf("Counts = %v", counts)
	}
}
