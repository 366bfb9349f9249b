package threadkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/net/websocket"

	"threadkit/comment"
	"threadkit/config"
	"threadkit/realtime"
	"threadkit/rest"
)

// pushServer is a minimal push-channel endpoint: it parks every connection
// and lets tests broadcast envelopes to all of them.
type pushServer struct {
	mu    sync.Mutex
	conns []*websocket.Conn
	srv   *httptest.Server
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	p := &pushServer{}
	handler := websocket.Handler(func(ws *websocket.Conn) {
		p.mu.Lock()
		p.conns = append(p.conns, ws)
		p.mu.Unlock()
		for {
			var discard []byte
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	})
	p.srv = httptest.NewServer(handler)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pushServer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *pushServer) broadcast(t *testing.T, env realtime.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ws := range p.conns {
		if err := websocket.Message.Send(ws, raw); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
}

func (p *pushServer) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// apiServer serves just enough of the REST surface for widget tests.
func apiServer(t *testing.T, comments []comment.Comment) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"comments": comments})
	})
	mux.HandleFunc("POST /v1/comments", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Body     string `json:"body"`
			ParentID string `json:"parentId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(comment.Comment{
			ID: "srv-new", Body: in.Body, ParentID: in.ParentID, CreatedAt: 9000,
		})
	})
	mux.HandleFunc("DELETE /v1/comments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/comments/{id}/vote", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Direction comment.VoteDirection `json:"direction"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(rest.VoteResult{
			CommentID: r.PathValue("id"), Upvotes: 11, Downvotes: 2, MyVote: in.Direction,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, apiURL, rtURL, redisURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		APIBaseURL:   apiURL,
		RealtimeURL:  rtURL,
		SiteID:       "site-1",
		PageURL:      "https://example.com/post",
		RedisURL:     redisURL,
		TokenPath:    filepath.Join(dir, "tokens"),
		TokenSecret:  "secret",
		CachePath:    filepath.Join(dir, "cache.db"),
		HTTPTimeout:  5 * time.Second,
		ReconnectGap: 50 * time.Millisecond,
		TypingTTL:    50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMountFetchPostAndDestroy(t *testing.T) {
	api := apiServer(t, []comment.Comment{
		{ID: "a", CreatedAt: 1000},
		{ID: "b", ParentID: "a", CreatedAt: 1100},
	})
	push := newPushServer(t)
	ctx := context.Background()

	w, err := Mount(ctx, testConfig(t, api.URL, push.url(), ""))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer w.Destroy()

	if err := w.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := w.Store.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	created, err := w.Post(ctx, "a reply", "a")
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if created.ID != "srv-new" {
		t.Errorf("created id = %q, want server-assigned", created.ID)
	}
	if got := w.Store.Count(); got != 3 {
		t.Errorf("Count after post = %d, want 3", got)
	}
}

func TestRealtimeEventsFlowIntoStore(t *testing.T) {
	api := apiServer(t, []comment.Comment{{ID: "a", CreatedAt: 1000}})
	push := newPushServer(t)
	ctx := context.Background()

	w, err := Mount(ctx, testConfig(t, api.URL, push.url(), ""))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer w.Destroy()

	if err := w.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	waitFor(t, "push connection", func() bool { return push.connCount() == 1 })

	raw, _ := json.Marshal(realtime.CommentPayload{
		Comment: comment.Comment{ID: "pushed", ParentID: "a", CreatedAt: 2000},
	})
	push.broadcast(t, realtime.Envelope{Type: realtime.EventCommentAdded, Payload: raw})

	waitFor(t, "pushed comment", func() bool { return w.Store.Count() == 2 })

	// A vote for a comment that is not cached must no-op without crashing.
	voteRaw, _ := json.Marshal(realtime.VotePayload{CommentID: "never-seen", Upvotes: 1})
	push.broadcast(t, realtime.Envelope{Type: realtime.EventVoteUpdated, Payload: voteRaw})
	time.Sleep(50 * time.Millisecond)
	if got := w.Store.Count(); got != 2 {
		t.Errorf("Count after stray vote = %d, want 2", got)
	}
}

func TestVoteBroadcastsAuthoritativeCountsAcrossTabs(t *testing.T) {
	api := apiServer(t, []comment.Comment{{ID: "a", CreatedAt: 1000, Upvotes: 10, Downvotes: 2}})
	push := newPushServer(t)
	mini := miniredis.RunT(t)
	ctx := context.Background()

	redisURL := "redis://" + mini.Addr()
	tab1, err := Mount(ctx, testConfig(t, api.URL, push.url(), redisURL))
	if err != nil {
		t.Fatalf("Mount tab1 failed: %v", err)
	}
	defer tab1.Destroy()
	tab2, err := Mount(ctx, testConfig(t, api.URL, push.url(), redisURL))
	if err != nil {
		t.Fatalf("Mount tab2 failed: %v", err)
	}
	defer tab2.Destroy()

	if err := tab1.Fetch(ctx); err != nil {
		t.Fatalf("Fetch tab1: %v", err)
	}
	if err := tab2.Fetch(ctx); err != nil {
		t.Fatalf("Fetch tab2: %v", err)
	}

	if err := tab1.Vote(ctx, "a", comment.VoteUp); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}

	// tab1 holds the server's counts; tab2 converges through the relay.
	if got, _ := tab1.Store.Get("a"); got.Upvotes != 11 || got.MyVote != comment.VoteUp {
		t.Errorf("tab1 tallies = %+v, want server's 11 up", got)
	}
	waitFor(t, "relay convergence", func() bool {
		got, ok := tab2.Store.Get("a")
		return ok && got.Upvotes == 11 && got.Downvotes == 2
	})
}

func TestSnapshotSeedsNextMount(t *testing.T) {
	api := apiServer(t, []comment.Comment{
		{ID: "a", CreatedAt: 1000},
		{ID: "b", ParentID: "a", CreatedAt: 1100},
	})
	push := newPushServer(t)
	ctx := context.Background()
	cfg := testConfig(t, api.URL, push.url(), "")

	first, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := first.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	first.Destroy()

	second, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("second Mount failed: %v", err)
	}
	defer second.Destroy()

	// Seeded from the snapshot before any fetch.
	if got := second.Store.Count(); got != 2 {
		t.Errorf("seeded Count = %d, want 2", got)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Failure
	}{
		{"unauthorized", &rest.APIError{Status: 401}, FailureInvalidCredential},
		{"forbidden", &rest.APIError{Status: 403}, FailureInvalidCredential},
		{"rate limited", &rest.APIError{Status: 429}, FailureRateLimited},
		{"unknown site", &rest.APIError{Status: 404, Code: "SITE_NOT_FOUND"}, FailureSiteMisconfigured},
		{"plain not found", &rest.APIError{Status: 404}, FailureLoadGeneric},
		{"transport", context.DeadlineExceeded, FailureLoadGeneric},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.err); got != tc.want {
			t.Errorf("%s: ClassifyFailure = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestVoteFailureRestoresTallies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"comments": []comment.Comment{
			{ID: "a", CreatedAt: 1000, Upvotes: 10, Downvotes: 2},
		}})
	})
	mux.HandleFunc("POST /v1/comments/{id}/vote", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "NOT_FOUND", "message": "gone"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	push := newPushServer(t)
	ctx := context.Background()

	w, err := Mount(ctx, testConfig(t, srv.URL, push.url(), ""))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer w.Destroy()
	if err := w.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if err := w.Vote(ctx, "a", comment.VoteUp); err == nil {
		t.Fatal("Vote succeeded against a failing endpoint")
	}

	// The optimistic delta must not survive the rejection.
	got, ok := w.Store.Get("a")
	if !ok {
		t.Fatal("comment vanished")
	}
	if got.Upvotes != 10 || got.Downvotes != 2 || got.MyVote != "" {
		t.Errorf("tallies after failed vote = up=%d down=%d myVote=%q, want 10/2/none",
			got.Upvotes, got.Downvotes, got.MyVote)
	}
}

func TestDeleteTombstonesCommentsWithReplies(t *testing.T) {
	api := apiServer(t, []comment.Comment{
		{ID: "a", Body: "parent", CreatedAt: 1000},
		{ID: "b", Body: "reply", ParentID: "a", CreatedAt: 1100},
	})
	push := newPushServer(t)
	ctx := context.Background()

	w, err := Mount(ctx, testConfig(t, api.URL, push.url(), ""))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer w.Destroy()
	if err := w.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Deleting the parent keeps the reply readable under a tombstone.
	if err := w.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete parent failed: %v", err)
	}
	parent, ok := w.Store.Get("a")
	if !ok {
		t.Fatal("parent with replies was removed outright")
	}
	if !parent.Deleted || parent.Body != "" {
		t.Errorf("parent = deleted:%v body:%q, want tombstone", parent.Deleted, parent.Body)
	}
	if _, ok := w.Store.Get("b"); !ok {
		t.Error("reply lost when parent was tombstoned")
	}

	// A leaf goes away entirely.
	if err := w.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete leaf failed: %v", err)
	}
	if _, ok := w.Store.Get("b"); ok {
		t.Error("leaf still present after delete")
	}
}
