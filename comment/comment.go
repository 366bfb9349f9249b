// Package comment holds the shared data model for the discussion engine:
// the comment tree node, vote directions, and sort modes.
package comment

// VoteDirection is the caller's vote on a single comment.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
	VoteNone VoteDirection = ""
)

// SortMode selects the ordering applied to every sibling list in the tree.
type SortMode string

const (
	SortNewest        SortMode = "newest"
	SortOldest        SortMode = "oldest"
	SortTop           SortMode = "top"
	SortControversial SortMode = "controversial"
)

// ValidSortMode reports whether mode is one of the supported orderings.
func ValidSortMode(mode SortMode) bool {
	switch mode {
	case SortNewest, SortOldest, SortTop, SortControversial:
		return true
	}
	return false
}

// Comment is one node of a page's discussion tree. IDs are opaque,
// server-assigned strings. ParentID is empty for top-level comments.
// CreatedAt is unix milliseconds as delivered on the wire.
type Comment struct {
	ID         string        `json:"id"`
	AuthorID   string        `json:"authorId"`
	AuthorName string        `json:"authorName"`
	Body       string        `json:"body"`
	BodyHTML   string        `json:"bodyHtml,omitempty"`
	ParentID   string        `json:"parentId,omitempty"`
	Children   []*Comment    `json:"children,omitempty"`
	Upvotes    int           `json:"upvotes"`
	Downvotes  int           `json:"downvotes"`
	MyVote     VoteDirection `json:"myVote,omitempty"`
	CreatedAt  int64         `json:"createdAt"`
	Edited     bool          `json:"edited,omitempty"`
	Pinned     bool          `json:"pinned,omitempty"`
	Deleted    bool          `json:"deleted,omitempty"`
}

// Score is the net vote tally used by the top sort.
func (c *Comment) Score() int {
	return c.Upvotes - c.Downvotes
}

// Controversy favors comments with large, closely divided vote counts.
func (c *Comment) Controversy() int {
	if c.Upvotes < c.Downvotes {
		return c.Upvotes
	}
	return c.Downvotes
}

// Patch carries the fields an update may change. Nil pointers leave the
// corresponding field untouched.
type Patch struct {
	Body      *string
	BodyHTML  *string
	Upvotes   *int
	Downvotes *int
	MyVote    *VoteDirection
	Edited    *bool
	Pinned    *bool
	Deleted   *bool
}

// Apply shallow-merges the patch into the comment.
func (p Patch) Apply(c *Comment) {
	if p.Body != nil {
		c.Body = *p.Body
	}
	if p.BodyHTML != nil {
		c.BodyHTML = *p.BodyHTML
	}
	if p.Upvotes != nil {
		c.Upvotes = *p.Upvotes
	}
	if p.Downvotes != nil {
		c.Downvotes = *p.Downvotes
	}
	if p.MyVote != nil {
		c.MyVote = *p.MyVote
	}
	if p.Edited != nil {
		c.Edited = *p.Edited
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.Deleted != nil {
		c.Deleted = *p.Deleted
	}
}

// Pointer helpers for building patches at call sites.

func String(v string) *string { return &v }

func Int(v int) *int { return &v }

func Bool(v bool) *bool { return &v }

func Direction(v VoteDirection) *VoteDirection { return &v }
