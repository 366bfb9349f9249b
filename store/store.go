// Package store is the canonical in-memory comment tree for one page. Every
// mutation source — full fetch, local call, realtime event, cross-tab event —
// funnels through the same four primitive operations, so there is exactly one
// place that touches tree shape. A mutex makes each operation atomic; there
// is no await inside a mutation.
package store

import (
	"context"
	"sync"

	"threadkit/comment"
	"threadkit/rest"
)

// restAPI is the slice of the REST client the store drives.
type restAPI interface {
	ListComments(ctx context.Context, pageURL string) ([]comment.Comment, error)
	CreateComment(ctx context.Context, pageURL, body, parentID string) (comment.Comment, error)
	EditComment(ctx context.Context, id, body string) (comment.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	VoteComment(ctx context.Context, id string, dir comment.VoteDirection) (rest.VoteResult, error)
}

// Store owns the comment tree for a single mounted widget instance. It is
// never shared across instances.
type Store struct {
	mu       sync.Mutex
	api      restAPI
	pageURL  string
	sortMode comment.SortMode
	roots    []*comment.Comment
	loading  bool
	lastErr  error

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func()
}

// New builds a store for one page. The initial sort mode is newest.
func New(api restAPI, pageURL string) *Store {
	return &Store{
		api:      api,
		pageURL:  pageURL,
		sortMode: comment.SortNewest,
		subs:     make(map[int]func()),
	}
}

// Subscribe registers a state-change callback and returns its cancel func.
// Callbacks run outside the store lock, so they may call back in.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Comments returns the current roots. Callers treat the tree as read-only;
// all writes go through the store's operations.
func (s *Store) Comments() []*comment.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots
}

// Loading reports whether a fetch is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last fetch error, or nil.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SortMode returns the active ordering.
func (s *Store) SortMode() comment.SortMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortMode
}

// Get returns a copy of the node with the given id. The copy's Children
// share the tree; treat them as read-only.
func (s *Store) Get(id string) (comment.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := findComment(s.roots, id)
	if node == nil {
		return comment.Comment{}, false
	}
	return *node, true
}

// Flatten walks the tree back into the flat wire shape, children after
// parents, for snapshot persistence.
func (s *Store) Flatten() []comment.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flat []comment.Comment
	var walk func(nodes []*comment.Comment)
	walk = func(nodes []*comment.Comment) {
		for _, node := range nodes {
			c := *node
			c.Children = nil
			flat = append(flat, c)
			walk(node.Children)
		}
	}
	walk(s.roots)
	return flat
}

// Count totals every cached node.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countComments(s.roots)
}

// Fetch loads the page's comments and replaces the tree wholesale. A failed
// refresh keeps the previously loaded tree; good data is never cleared by a
// bad fetch.
func (s *Store) Fetch(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()

	flat, err := s.api.ListComments(ctx, s.pageURL)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.notify()
		return err
	}
	roots := buildTree(flat)
	sortTree(roots, s.sortMode)
	s.roots = roots
	s.mu.Unlock()
	s.notify()
	return nil
}

// Replace installs an already-built tree, re-sorted under the active mode.
// Used to seed from the local snapshot cache before the first fetch.
func (s *Store) Replace(flat []comment.Comment) {
	s.mu.Lock()
	roots := buildTree(flat)
	sortTree(roots, s.sortMode)
	s.roots = roots
	s.mu.Unlock()
	s.notify()
}

// Post creates a comment on the server. The node is not inserted locally;
// the caller adds it via AddComment once the server has assigned its id.
func (s *Store) Post(ctx context.Context, body, parentID string) (comment.Comment, error) {
	return s.api.CreateComment(ctx, s.pageURL, body, parentID)
}

// Edit sends the new body to the server. Tree mutation stays with the
// caller through UpdateComment so the merge path is the same for every
// mutation origin.
func (s *Store) Edit(ctx context.Context, id, body string) (comment.Comment, error) {
	return s.api.EditComment(ctx, id, body)
}

// Delete removes the comment on the server. See Edit for why the tree is
// untouched here.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.api.DeleteComment(ctx, id)
}

// Vote persists a vote and overwrites local tallies with the server's
// authoritative counts. Callers may have applied an optimistic delta first;
// the server wins, which keeps concurrent voters from drifting.
func (s *Store) Vote(ctx context.Context, id string, dir comment.VoteDirection) (rest.VoteResult, error) {
	result, err := s.api.VoteComment(ctx, id, dir)
	if err != nil {
		return rest.VoteResult{}, err
	}
	s.UpdateComment(id, comment.Patch{
		Upvotes:   comment.Int(result.Upvotes),
		Downvotes: comment.Int(result.Downvotes),
		MyVote:    comment.Direction(result.MyVote),
	})
	return result, nil
}

// AddComment inserts a node: at the roots when it has no parent, otherwise
// under its parent wherever that sits in the tree. Only the affected sibling
// list is re-sorted. A missing parent is a silent no-op; the next full fetch
// reconciles.
func (s *Store) AddComment(c comment.Comment) {
	s.mu.Lock()
	c.Children = nil
	node := &c
	if node.ParentID == "" {
		s.roots = append(s.roots, node)
		sortSiblings(s.roots, s.sortMode)
		s.mu.Unlock()
		s.notify()
		return
	}
	parent := findComment(s.roots, node.ParentID)
	if parent == nil {
		s.mu.Unlock()
		return
	}
	parent.Children = append(parent.Children, node)
	sortSiblings(parent.Children, s.sortMode)
	s.mu.Unlock()
	s.notify()
}

// RemoveComment deletes a node from whichever level contains it.
func (s *Store) RemoveComment(id string) bool {
	s.mu.Lock()
	removed := removeComment(&s.roots, id)
	s.mu.Unlock()
	if removed {
		s.notify()
	}
	return removed
}

// UpdateComment shallow-merges the patch into the matching node. Unknown
// ids no-op without error: events may outrun the cache, and a comment that
// was already removed is expected noise.
func (s *Store) UpdateComment(id string, patch comment.Patch) bool {
	s.mu.Lock()
	node := findComment(s.roots, id)
	if node == nil {
		s.mu.Unlock()
		return false
	}
	patch.Apply(node)
	if patch.Pinned != nil || patch.Upvotes != nil || patch.Downvotes != nil {
		s.resortContaining(node)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// TombstoneComment marks a node deleted in place, keeping its replies.
func (s *Store) TombstoneComment(id string) bool {
	return s.UpdateComment(id, comment.Patch{
		Deleted: comment.Bool(true),
		Body:    comment.String(""),
	})
}

// SetSortMode re-derives the ordering of every level without a refetch.
func (s *Store) SetSortMode(mode comment.SortMode) {
	if !comment.ValidSortMode(mode) {
		return
	}
	s.mu.Lock()
	s.sortMode = mode
	sortTree(s.roots, mode)
	s.mu.Unlock()
	s.notify()
}

// resortContaining re-sorts the sibling list holding node. Called with the
// lock held.
func (s *Store) resortContaining(node *comment.Comment) {
	if node.ParentID == "" {
		sortSiblings(s.roots, s.sortMode)
		return
	}
	if parent := findComment(s.roots, node.ParentID); parent != nil {
		sortSiblings(parent.Children, s.sortMode)
	}
}
