// Package relay keeps vote state consistent between sibling widget
// instances viewing the same page, without a server round-trip per
// instance. It is a pub/sub fan-out over redis: each mounted widget
// subscribes to a channel derived from its page URL and broadcasts the
// authoritative counts it learns from vote confirmations.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"threadkit/comment"
	"threadkit/internal/util"
)

// VoteMessage is the cross-tab wire shape. A receiver must drop any message
// whose PageURL does not match its own subscription; channel names are
// derived from the URL, but the explicit check guards against collisions.
type VoteMessage struct {
	Type      string                `json:"type"`
	CommentID string                `json:"commentId"`
	PageURL   string                `json:"pageUrl"`
	VoteType  comment.VoteDirection `json:"voteType"`
	Upvotes   int                   `json:"upvotes"`
	Downvotes int                   `json:"downvotes"`
	Origin    string                `json:"origin,omitempty"`
}

// Relay is one widget instance's handle on the page channel. Created on
// mount, closed on unmount, never shared.
type Relay struct {
	client  *redis.Client
	sub     *redis.PubSub
	channel string
	pageURL string
	id      string
	onVote  func(VoteMessage)
	done    chan struct{}
	closed  sync.Once
}

// ChannelFor derives the deterministic channel name for a page URL, so
// unrelated pages never cross-talk.
func ChannelFor(pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return "threadkit:votes:" + hex.EncodeToString(sum[:8])
}

// New connects to redis and subscribes to the page's channel. onVote runs on
// the receive goroutine for every accepted message.
func New(redisURL, pageURL string, onVote func(VoteMessage)) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	r := &Relay{
		client:  client,
		channel: ChannelFor(pageURL),
		pageURL: pageURL,
		id:      util.NewID("tab"),
		onVote:  onVote,
		done:    make(chan struct{}),
	}
	r.sub = client.Subscribe(context.Background(), r.channel)
	// Confirm the subscription before returning so a publish immediately
	// after New is not lost.
	if _, err := r.sub.Receive(ctx); err != nil {
		_ = r.sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	go r.receive()
	return r, nil
}

// PublishVote broadcasts a confirmed vote to sibling instances. The relay
// stamps the message with its page and origin identity.
func (r *Relay) PublishVote(ctx context.Context, commentID string, dir comment.VoteDirection, upvotes, downvotes int) error {
	msg := VoteMessage{
		Type:      "vote",
		CommentID: commentID,
		PageURL:   r.pageURL,
		VoteType:  dir,
		Upvotes:   upvotes,
		Downvotes: downvotes,
		Origin:    r.id,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal vote message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish vote: %w", err)
	}
	return nil
}

// Close unsubscribes and releases the connection. Mandatory on unmount; a
// leaked subscription keeps pushing into a destroyed store.
func (r *Relay) Close() error {
	var err error
	r.closed.Do(func() {
		close(r.done)
		if subErr := r.sub.Close(); subErr != nil {
			_ = r.client.Close()
			err = fmt.Errorf("close subscription: %w", subErr)
			return
		}
		err = r.client.Close()
	})
	return err
}

// receive applies incoming messages. Mismatched pages, foreign types,
// malformed payloads, and our own echoes are all dropped silently; they are
// expected noise, not faults.
func (r *Relay) receive() {
	ch := r.sub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var vote VoteMessage
			if err := json.Unmarshal([]byte(msg.Payload), &vote); err != nil {
				continue
			}
			if vote.Type != "vote" || vote.PageURL != r.pageURL {
				continue
			}
			if vote.Origin == r.id {
				continue
			}
			if r.onVote != nil {
				r.onVote(vote)
			}
		}
	}
}

// Ping checks that redis is still reachable.
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		log.Printf("relay: redis unreachable: %v", err)
		return err
	}
	return nil
}
