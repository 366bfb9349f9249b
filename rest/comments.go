package rest

import (
	"context"
	"net/http"
	"net/url"

	"threadkit/comment"
)

// VoteResult is the server's authoritative tally after a vote is recorded.
// Local optimistic counts are overwritten with these values.
type VoteResult struct {
	CommentID string                `json:"commentId"`
	Upvotes   int                   `json:"upvotes"`
	Downvotes int                   `json:"downvotes"`
	MyVote    comment.VoteDirection `json:"myVote"`
}

type commentList struct {
	Comments []comment.Comment `json:"comments"`
}

// ListComments fetches the flat comment list for a page. Tree construction
// is the store's job.
func (c *Client) ListComments(ctx context.Context, pageURL string) ([]comment.Comment, error) {
	var out commentList
	path := "/v1/comments?page=" + url.QueryEscape(pageURL)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

type createCommentInput struct {
	PageURL  string `json:"pageUrl"`
	Body     string `json:"body"`
	ParentID string `json:"parentId,omitempty"`
}

// CreateComment posts a new comment and returns the server-assigned node.
// The caller inserts it into the tree; there is no optimistic insert because
// the identifier does not exist until the server answers.
func (c *Client) CreateComment(ctx context.Context, pageURL, body, parentID string) (comment.Comment, error) {
	var out comment.Comment
	input := createCommentInput{PageURL: pageURL, Body: body, ParentID: parentID}
	if err := c.do(ctx, http.MethodPost, "/v1/comments", input, &out); err != nil {
		return comment.Comment{}, err
	}
	return out, nil
}

// EditComment replaces a comment's body and returns the updated node.
func (c *Client) EditComment(ctx context.Context, id, body string) (comment.Comment, error) {
	var out comment.Comment
	input := struct {
		Body string `json:"body"`
	}{Body: body}
	if err := c.do(ctx, http.MethodPatch, "/v1/comments/"+url.PathEscape(id), input, &out); err != nil {
		return comment.Comment{}, err
	}
	return out, nil
}

// DeleteComment removes a comment by id.
func (c *Client) DeleteComment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/comments/"+url.PathEscape(id), nil, nil)
}

// VoteComment records a vote and returns the authoritative counts.
func (c *Client) VoteComment(ctx context.Context, id string, dir comment.VoteDirection) (VoteResult, error) {
	var out VoteResult
	input := struct {
		Direction comment.VoteDirection `json:"direction"`
	}{Direction: dir}
	if err := c.do(ctx, http.MethodPost, "/v1/comments/"+url.PathEscape(id)+"/vote", input, &out); err != nil {
		return VoteResult{}, err
	}
	return out, nil
}

// ReportComment flags a comment for moderation.
func (c *Client) ReportComment(ctx context.Context, id, reason string) error {
	input := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	return c.do(ctx, http.MethodPost, "/v1/comments/"+url.PathEscape(id)+"/report", input, nil)
}

// PinComment floats a comment to the front of its sibling list for all
// viewers. Moderator only; the server enforces the role.
func (c *Client) PinComment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/comments/"+url.PathEscape(id)+"/pin", nil, nil)
}

// UnpinComment reverses PinComment.
func (c *Client) UnpinComment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/comments/"+url.PathEscape(id)+"/pin", nil, nil)
}

// BlockUser hides a user's comments for the current viewer.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/block", nil, nil)
}

// UnblockUser reverses BlockUser.
func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/users/"+url.PathEscape(userID)+"/block", nil, nil)
}

// BanUser bans a user from the whole site. Moderator only.
func (c *Client) BanUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/ban", nil, nil)
}
