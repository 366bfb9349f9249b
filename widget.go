// Package threadkit mounts the discussion sync engine for one page: the
// comment store, the push channel, the cross-tab relay, and the shared
// auth session, wired so every mutation source funnels through the store's
// four primitive operations.
package threadkit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"threadkit/auth"
	"threadkit/cache"
	"threadkit/comment"
	"threadkit/config"
	"threadkit/realtime"
	"threadkit/relay"
	"threadkit/rest"
	"threadkit/store"
	"threadkit/token"
)

// Widget is one mounted engine instance. The comment store is exclusively
// owned; the token store and auth session are shared process-wide.
type Widget struct {
	cfg      config.Config
	Tokens   *token.Store
	API      *rest.Client
	Auth     *auth.Manager
	Store    *store.Store
	Realtime *realtime.Client

	relay *relay.Relay
	cache *cache.Cache

	presenceMu sync.Mutex
	presence   []realtime.PresenceUser
}

// Mount builds and wires the engine for cfg's page. The realtime channel
// connects immediately; session restoration runs before returning so the
// first render knows whether a user is signed in.
func Mount(ctx context.Context, cfg config.Config) (*Widget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	tokens, err := token.New(cfg.TokenPath, cfg.TokenSecret, cfg.SiteID)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	api := rest.New(cfg.APIBaseURL, cfg.SiteID, cfg.HTTPTimeout, tokens)

	w := &Widget{
		cfg:    cfg,
		Tokens: tokens,
		API:    api,
		Auth:   auth.New(api, tokens),
		Store:  store.New(api, cfg.PageURL),
	}

	if cfg.CachePath != "" {
		snapshots, err := cache.Open(cfg.CachePath)
		if err != nil {
			log.Printf("widget: snapshot cache unavailable: %v", err)
		} else {
			w.cache = snapshots
			if flat, _, err := snapshots.Load(ctx, cfg.PageURL); err == nil {
				w.Store.Replace(flat)
			}
		}
	}

	w.Realtime = realtime.New(realtime.Options{
		URL:          cfg.RealtimeURL,
		PageID:       cfg.PageURL,
		Token:        tokens.Access,
		ReconnectGap: cfg.ReconnectGap,
		TypingTTL:    cfg.TypingTTL,
	}, w.realtimeEvents())

	if cfg.RedisURL != "" {
		tabRelay, err := relay.New(cfg.RedisURL, cfg.PageURL, w.applyRelayVote)
		if err != nil {
			log.Printf("widget: cross-tab relay unavailable: %v", err)
		} else {
			w.relay = tabRelay
		}
	}

	if err := w.Auth.Restore(ctx); err != nil {
		log.Printf("widget: session restore failed, continuing signed out: %v", err)
	}

	w.Realtime.Connect()
	return w, nil
}

// realtimeEvents routes push-channel events into the store's primitive
// operations, the same path local calls and relay messages use.
func (w *Widget) realtimeEvents() realtime.Events {
	return realtime.Events{
		CommentAdded: func(c comment.Comment) {
			w.Store.AddComment(c)
		},
		CommentDeleted: func(id string) {
			w.Store.RemoveComment(id)
		},
		CommentEdited: func(c comment.Comment) {
			w.Store.UpdateComment(c.ID, comment.Patch{
				Body:     comment.String(c.Body),
				BodyHTML: comment.String(c.BodyHTML),
				Edited:   comment.Bool(true),
			})
		},
		VoteUpdated: func(v realtime.VotePayload) {
			w.Store.UpdateComment(v.CommentID, comment.Patch{
				Upvotes:   comment.Int(v.Upvotes),
				Downvotes: comment.Int(v.Downvotes),
			})
		},
		Presence: func(users []realtime.PresenceUser) {
			w.presenceMu.Lock()
			w.presence = users
			w.presenceMu.Unlock()
		},
		UserJoined: func(u realtime.PresenceUser) {
			w.presenceMu.Lock()
			w.presence = append(w.presence, u)
			w.presenceMu.Unlock()
		},
		UserLeft: func(u realtime.PresenceUser) {
			w.presenceMu.Lock()
			for i, p := range w.presence {
				if p.UserID == u.UserID {
					w.presence = append(w.presence[:i], w.presence[i+1:]...)
					break
				}
			}
			w.presenceMu.Unlock()
		},
	}
}

func (w *Widget) applyRelayVote(v relay.VoteMessage) {
	w.Store.UpdateComment(v.CommentID, comment.Patch{
		Upvotes:   comment.Int(v.Upvotes),
		Downvotes: comment.Int(v.Downvotes),
	})
}

// Fetch refreshes the tree from the server and, on success, persists the
// snapshot for the next mount.
func (w *Widget) Fetch(ctx context.Context) error {
	if err := w.Store.Fetch(ctx); err != nil {
		return err
	}
	if w.cache != nil {
		if err := w.cache.Save(ctx, w.cfg.PageURL, w.Store.Flatten()); err != nil {
			log.Printf("widget: snapshot save failed: %v", err)
		}
	}
	return nil
}

// Post creates a comment and inserts the server-confirmed node.
func (w *Widget) Post(ctx context.Context, body, parentID string) (comment.Comment, error) {
	created, err := w.Store.Post(ctx, body, parentID)
	if err != nil {
		return comment.Comment{}, err
	}
	w.Store.AddComment(created)
	return created, nil
}

// Vote applies the optimistic delta immediately, persists the vote, and
// broadcasts the server's authoritative counts to sibling tabs. A failed
// call restores the pre-vote tallies.
func (w *Widget) Vote(ctx context.Context, id string, dir comment.VoteDirection) error {
	before, cached := w.Store.Get(id)
	if cached {
		up, down := optimisticTallies(before, dir)
		w.Store.UpdateComment(id, comment.Patch{
			Upvotes:   comment.Int(up),
			Downvotes: comment.Int(down),
			MyVote:    comment.Direction(dir),
		})
	}

	result, err := w.Store.Vote(ctx, id, dir)
	if err != nil {
		if cached {
			w.Store.UpdateComment(id, comment.Patch{
				Upvotes:   comment.Int(before.Upvotes),
				Downvotes: comment.Int(before.Downvotes),
				MyVote:    comment.Direction(before.MyVote),
			})
		}
		return err
	}
	if w.relay != nil {
		if err := w.relay.PublishVote(ctx, id, result.MyVote, result.Upvotes, result.Downvotes); err != nil {
			log.Printf("widget: relay publish failed: %v", err)
		}
	}
	return nil
}

// optimisticTallies guesses the new counts from the previous vote state.
// The server's answer overwrites the guess either way.
func optimisticTallies(before comment.Comment, dir comment.VoteDirection) (int, int) {
	up, down := before.Upvotes, before.Downvotes
	switch before.MyVote {
	case comment.VoteUp:
		up--
	case comment.VoteDown:
		down--
	}
	switch dir {
	case comment.VoteUp:
		up++
	case comment.VoteDown:
		down++
	}
	return up, down
}

// Edit persists a new body and applies it locally on confirmation.
func (w *Widget) Edit(ctx context.Context, id, body string) error {
	updated, err := w.Store.Edit(ctx, id, body)
	if err != nil {
		return err
	}
	w.Store.UpdateComment(id, comment.Patch{
		Body:     comment.String(updated.Body),
		BodyHTML: comment.String(updated.BodyHTML),
		Edited:   comment.Bool(true),
	})
	return nil
}

// Delete removes the comment on the server and then locally. A comment
// with replies is tombstoned instead, so the subtree stays readable.
func (w *Widget) Delete(ctx context.Context, id string) error {
	if err := w.Store.Delete(ctx, id); err != nil {
		return err
	}
	if c, ok := w.Store.Get(id); ok && len(c.Children) > 0 {
		w.Store.TombstoneComment(id)
		return nil
	}
	w.Store.RemoveComment(id)
	return nil
}

// Presence returns the viewers currently on the page.
func (w *Widget) Presence() []realtime.PresenceUser {
	w.presenceMu.Lock()
	defer w.presenceMu.Unlock()
	out := make([]realtime.PresenceUser, len(w.presence))
	copy(out, w.presence)
	return out
}

// Destroy releases every held resource: the realtime socket and its
// reconnect timer, the relay subscription, and the cache handle. A widget
// left undestroyed keeps pushing events into a dead store.
func (w *Widget) Destroy() {
	w.Realtime.Destroy()
	if w.relay != nil {
		if err := w.relay.Close(); err != nil {
			log.Printf("widget: relay close: %v", err)
		}
	}
	if w.cache != nil {
		if err := w.cache.Close(); err != nil {
			log.Printf("widget: cache close: %v", err)
		}
	}
}

// Failure is the small set of user-visible failure categories the hosting
// page renders distinctly; everything else is generic.
type Failure string

const (
	FailureSiteMisconfigured Failure = "site-misconfigured"
	FailureInvalidCredential Failure = "invalid-credential"
	FailureRateLimited       Failure = "rate-limited"
	FailureLoadGeneric       Failure = "generic-load-failure"
)

// ClassifyFailure maps an engine error to its rendering category.
func ClassifyFailure(err error) Failure {
	var apiErr *rest.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return FailureInvalidCredential
		case http.StatusTooManyRequests:
			return FailureRateLimited
		case http.StatusNotFound:
			if apiErr.Code == "SITE_NOT_FOUND" {
				return FailureSiteMisconfigured
			}
		}
	}
	return FailureLoadGeneric
}
