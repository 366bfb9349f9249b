package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"threadkit/comment"
)

type voteSink struct {
	mu    sync.Mutex
	votes []VoteMessage
}

func (s *voteSink) add(v VoteMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes = append(s.votes, v)
}

func (s *voteSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.votes)
}

func (s *voteSink) first() VoteMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votes[0]
}

func setupRelay(t *testing.T, addr, pageURL string, sink *voteSink) *Relay {
	t.Helper()
	var onVote func(VoteMessage)
	if sink != nil {
		onVote = sink.add
	}
	r, err := New("redis://"+addr, pageURL, onVote)
	if err != nil {
		t.Fatalf("relay.New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
	})
	return r
}

func waitVotes(t *testing.T, sink *voteSink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.len() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: got %d votes, want %d", sink.len(), want)
}

func TestVotePropagatesBetweenTabs(t *testing.T) {
	s := miniredis.RunT(t)
	page := "https://example.com/post"

	sink := &voteSink{}
	_ = setupRelay(t, s.Addr(), page, sink)
	sender := setupRelay(t, s.Addr(), page, nil)

	err := sender.PublishVote(context.Background(), "c1", comment.VoteUp, 5, 1)
	if err != nil {
		t.Fatalf("PublishVote failed: %v", err)
	}

	waitVotes(t, sink, 1)
	got := sink.first()
	if got.CommentID != "c1" || got.Upvotes != 5 || got.Downvotes != 1 || got.VoteType != comment.VoteUp {
		t.Errorf("received vote = %+v", got)
	}
	if got.PageURL != page {
		t.Errorf("PageURL = %q, want %q", got.PageURL, page)
	}
}

func TestOwnEchoIsIgnored(t *testing.T) {
	s := miniredis.RunT(t)
	page := "https://example.com/post"

	sink := &voteSink{}
	r := setupRelay(t, s.Addr(), page, sink)

	if err := r.PublishVote(context.Background(), "c1", comment.VoteDown, 0, 2); err != nil {
		t.Fatalf("PublishVote failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := sink.len(); n != 0 {
		t.Errorf("received %d own echoes, want 0", n)
	}
}

func TestMismatchedPageURLIsDropped(t *testing.T) {
	s := miniredis.RunT(t)
	pageA := "https://example.com/a"

	sink := &voteSink{}
	receiver := setupRelay(t, s.Addr(), pageA, sink)

	// Simulate a channel-name collision: a foreign page's message lands on
	// our channel. The explicit PageURL check must drop it.
	foreign := `{"type":"vote","commentId":"c9","pageUrl":"https://example.com/b","voteType":"up","upvotes":1,"downvotes":0,"origin":"tab_other"}`
	if err := receiver.client.Publish(context.Background(), receiver.channel, foreign).Err(); err != nil {
		t.Fatalf("publish foreign message: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := sink.len(); n != 0 {
		t.Errorf("received %d mismatched-page votes, want 0", n)
	}
}

func TestMalformedPayloadIsSwallowed(t *testing.T) {
	s := miniredis.RunT(t)
	page := "https://example.com/post"

	sink := &voteSink{}
	receiver := setupRelay(t, s.Addr(), page, sink)
	sender := setupRelay(t, s.Addr(), page, nil)

	if err := receiver.client.Publish(context.Background(), receiver.channel, "{garbage").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	// A valid message after the garbage still arrives.
	if err := sender.PublishVote(context.Background(), "c2", comment.VoteUp, 1, 0); err != nil {
		t.Fatalf("PublishVote failed: %v", err)
	}
	waitVotes(t, sink, 1)
}

func TestUnrelatedPagesNeverCrossTalk(t *testing.T) {
	a := ChannelFor("https://example.com/a")
	b := ChannelFor("https://example.com/b")
	if a == b {
		t.Errorf("channels collide: %s", a)
	}
	if a != ChannelFor("https://example.com/a") {
		t.Errorf("channel derivation is not deterministic")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := miniredis.RunT(t)
	r := setupRelay(t, s.Addr(), "https://example.com/a", nil)

	if err := r.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
