package rest

import (
	"context"
	"net/http"
	"net/url"

	"threadkit/token"
)

// User is the authenticated account as the API reports it.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	IsModerator bool   `json:"isModerator,omitempty"`
}

// MethodInfo describes one way to sign in, as offered by the server. Kind is
// "otp" for passwordless email/phone codes, "oauth" for redirect providers,
// and "external" for methods a registered plugin drives.
type MethodInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	AuthURL string `json:"authUrl,omitempty"`
}

// AuthResult is a completed credential exchange. NeedsName is set when the
// account is new and the server requires a chosen display name before the
// session is usable.
type AuthResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
	NeedsName    bool   `json:"needsName,omitempty"`
}

// Pair converts the result's tokens to a storable pair.
func (r AuthResult) Pair() token.Pair {
	return token.Pair{Access: r.AccessToken, Refresh: r.RefreshToken}
}

// CurrentUser fetches the account behind the current access token.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/v1/me", nil, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// UpdateUser changes the current account's profile fields.
func (c *Client) UpdateUser(ctx context.Context, displayName string) (User, error) {
	var out User
	input := struct {
		DisplayName string `json:"displayName"`
	}{DisplayName: displayName}
	if err := c.do(ctx, http.MethodPatch, "/v1/me", input, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// CheckUsername reports whether name is free to claim.
func (c *Client) CheckUsername(ctx context.Context, name string) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	path := "/v1/usernames/check?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

// AuthMethods lists the sign-in methods the server offers for this site.
func (c *Client) AuthMethods(ctx context.Context) ([]MethodInfo, error) {
	var out struct {
		Methods []MethodInfo `json:"methods"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/methods", nil, &out); err != nil {
		return nil, err
	}
	return out.Methods, nil
}

// RequestOTP asks the server to send a one-time code to target, an email
// address or phone number depending on the method.
func (c *Client) RequestOTP(ctx context.Context, methodID, target string) error {
	input := struct {
		Method string `json:"method"`
		Target string `json:"target"`
	}{Method: methodID, Target: target}
	return c.do(ctx, http.MethodPost, "/v1/auth/otp/request", input, nil)
}

// VerifyOTP exchanges a delivered code for a session. displayName may be
// empty; the server answers NeedsName when a new account must choose one.
func (c *Client) VerifyOTP(ctx context.Context, methodID, target, code, displayName string) (AuthResult, error) {
	var out AuthResult
	input := struct {
		Method      string `json:"method"`
		Target      string `json:"target"`
		Code        string `json:"code"`
		DisplayName string `json:"displayName,omitempty"`
	}{Method: methodID, Target: target, Code: code, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/otp/verify", input, &out); err != nil {
		return AuthResult{}, err
	}
	return out, nil
}

// RefreshToken exchanges a refresh token for a new pair.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (token.Pair, error) {
	var out AuthResult
	input := struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: refresh}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", input, &out); err != nil {
		return token.Pair{}, err
	}
	return out.Pair(), nil
}
