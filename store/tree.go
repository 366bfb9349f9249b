package store

import "threadkit/comment"

// buildTree materializes a tree from the flat wire list. Children may arrive
// before their parents, so unplaced nodes wait in a pending set keyed by the
// missing parent and are drained as soon as that parent lands. Nodes whose
// parent never arrives are dropped; the next full fetch reconciles.
func buildTree(flat []comment.Comment) []*comment.Comment {
	var roots []*comment.Comment
	placed := make(map[string]*comment.Comment, len(flat))
	pending := make(map[string][]*comment.Comment)

	var place func(node *comment.Comment)
	place = func(node *comment.Comment) {
		placed[node.ID] = node
		for _, waiting := range pending[node.ID] {
			node.Children = append(node.Children, waiting)
			place(waiting)
		}
		delete(pending, node.ID)
	}

	for i := range flat {
		node := flat[i]
		node.Children = nil
		n := &node
		if n.ParentID == "" {
			roots = append(roots, n)
			place(n)
			continue
		}
		if parent, ok := placed[n.ParentID]; ok {
			parent.Children = append(parent.Children, n)
			place(n)
			continue
		}
		pending[n.ParentID] = append(pending[n.ParentID], n)
	}

	return roots
}

// findComment locates a node anywhere in the tree, depth-first.
func findComment(roots []*comment.Comment, id string) *comment.Comment {
	for _, node := range roots {
		if node.ID == id {
			return node
		}
		if found := findComment(node.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// removeComment deletes a node from whichever level contains it and reports
// whether anything was removed.
func removeComment(siblings *[]*comment.Comment, id string) bool {
	for i, node := range *siblings {
		if node.ID == id {
			*siblings = append((*siblings)[:i], (*siblings)[i+1:]...)
			return true
		}
		if removeComment(&node.Children, id) {
			return true
		}
	}
	return false
}

// countComments totals every node at every depth.
func countComments(roots []*comment.Comment) int {
	total := 0
	for _, node := range roots {
		total += 1 + countComments(node.Children)
	}
	return total
}
