package store

import (
	"sort"

	"threadkit/comment"
)

// sortSiblings orders one sibling list in place. Pinned comments float to
// the front regardless of mode; within each group the mode's comparator
// applies. Sorting is stable so repeated sorts are idempotent.
func sortSiblings(siblings []*comment.Comment, mode comment.SortMode) {
	less := comparator(mode)
	sort.SliceStable(siblings, func(i, j int) bool {
		a, b := siblings[i], siblings[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return less(a, b)
	})
}

// sortTree re-derives the ordering of every level without touching shape.
func sortTree(roots []*comment.Comment, mode comment.SortMode) {
	sortSiblings(roots, mode)
	for _, node := range roots {
		sortTree(node.Children, mode)
	}
}

func comparator(mode comment.SortMode) func(a, b *comment.Comment) bool {
	switch mode {
	case comment.SortOldest:
		return func(a, b *comment.Comment) bool {
			return a.CreatedAt < b.CreatedAt
		}
	case comment.SortTop:
		return func(a, b *comment.Comment) bool {
			if a.Score() != b.Score() {
				return a.Score() > b.Score()
			}
			return a.CreatedAt > b.CreatedAt
		}
	case comment.SortControversial:
		return func(a, b *comment.Comment) bool {
			if a.Controversy() != b.Controversy() {
				return a.Controversy() > b.Controversy()
			}
			return a.CreatedAt > b.CreatedAt
		}
	default: // newest
		return func(a, b *comment.Comment) bool {
			return a.CreatedAt > b.CreatedAt
		}
	}
}
