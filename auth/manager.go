// Package auth drives the multi-step, pluggable login flow and owns the
// authenticated session. It is the only writer of the token store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"threadkit/rest"
	"threadkit/token"
)

// Step is the single active position in the login wizard. Transitions are
// one-directional except the explicit BackToMethods reset.
type Step string

const (
	StepIdle             Step = "idle"
	StepLoading          Step = "loading"
	StepMethodList       Step = "method-list"
	StepOTPTarget        Step = "otp-awaiting-target"
	StepOTPCode          Step = "otp-awaiting-code"
	StepDisplayName      Step = "collecting-display-name"
	StepOAuthPopup       Step = "oauth-awaiting-popup"
	StepExternalPending  Step = "external-method-pending"
	StepUsernameRequired Step = "username-required"
)

// ErrInvalidStep is returned when an operation is invoked outside the step
// that allows it.
var ErrInvalidStep = errors.New("auth: operation not valid in current step")

// State is a snapshot of the manager, safe to hand to subscribers.
type State struct {
	Step     Step
	User     *rest.User
	Methods  []rest.MethodInfo
	Selected string
	AuthURL  string
	LastErr  string
}

// Authenticated reports whether a user session is established.
func (s State) Authenticated() bool {
	return s.User != nil
}

// restAPI is the slice of the REST client the manager drives.
type restAPI interface {
	AuthMethods(ctx context.Context) ([]rest.MethodInfo, error)
	RequestOTP(ctx context.Context, methodID, target string) error
	VerifyOTP(ctx context.Context, methodID, target, code, displayName string) (rest.AuthResult, error)
	CurrentUser(ctx context.Context) (rest.User, error)
	UpdateUser(ctx context.Context, displayName string) (rest.User, error)
	CheckUsername(ctx context.Context, name string) (bool, error)
	RefreshToken(ctx context.Context, refresh string) (token.Pair, error)
}

// Manager is the session state machine. One per browsing context; widget
// instances share it.
type Manager struct {
	mu      sync.Mutex
	api     restAPI
	tokens  *token.Store
	state   State
	plugins []Plugin

	// OTP scratch, valid between RequestCode and the final verify.
	otpTarget string
	otpCode   string

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(State)
}

// New builds a manager in the idle, signed-out state.
func New(api restAPI, tokens *token.Store) *Manager {
	return &Manager{
		api:    api,
		tokens: tokens,
		state:  State{Step: StepIdle},
		subs:   make(map[int]func(State)),
	}
}

// Subscribe registers a state-change callback and returns its cancel func.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(mutate func(*State)) {
	m.mu.Lock()
	mutate(&m.state)
	snapshot := m.state
	m.mu.Unlock()
	m.notify(snapshot)
}

func (m *Manager) notify(snapshot State) {
	m.subMu.Lock()
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

// Login starts the wizard: fetch the server's methods, merge registered
// plugin descriptors, and present the list.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Step != StepIdle {
		m.mu.Unlock()
		return fmt.Errorf("login from %s: %w", m.state.Step, ErrInvalidStep)
	}
	m.mu.Unlock()

	m.setState(func(s *State) {
		s.Step = StepLoading
		s.LastErr = ""
	})

	methods, err := m.api.AuthMethods(ctx)
	if err != nil {
		m.setState(func(s *State) {
			s.Step = StepIdle
			s.LastErr = err.Error()
		})
		return fmt.Errorf("fetch auth methods: %w", err)
	}

	merged := m.mergeMethods(methods)
	m.setState(func(s *State) {
		s.Step = StepMethodList
		s.Methods = merged
	})
	return nil
}

// BackToMethods is the one allowed backwards transition: from any
// mid-wizard step to the method list.
func (m *Manager) BackToMethods() {
	m.setState(func(s *State) {
		switch s.Step {
		case StepOTPTarget, StepOTPCode, StepDisplayName, StepOAuthPopup, StepExternalPending:
			s.Step = StepMethodList
			s.Selected = ""
			s.AuthURL = ""
			s.LastErr = ""
		}
	})
	m.mu.Lock()
	m.otpTarget = ""
	m.otpCode = ""
	m.mu.Unlock()
}

// SelectMethod advances from the method list into the selected method's
// flow: OTP target collection, an OAuth popup, or a plugin's own UI.
func (m *Manager) SelectMethod(ctx context.Context, methodID string) error {
	m.mu.Lock()
	if m.state.Step != StepMethodList {
		m.mu.Unlock()
		return fmt.Errorf("select method from %s: %w", m.state.Step, ErrInvalidStep)
	}
	var chosen *rest.MethodInfo
	for i := range m.state.Methods {
		if m.state.Methods[i].ID == methodID {
			chosen = &m.state.Methods[i]
			break
		}
	}
	m.mu.Unlock()
	if chosen == nil {
		return fmt.Errorf("unknown auth method %q", methodID)
	}

	switch chosen.Kind {
	case "otp":
		m.setState(func(s *State) {
			s.Step = StepOTPTarget
			s.Selected = methodID
			s.LastErr = ""
		})
	case "oauth":
		m.setState(func(s *State) {
			s.Step = StepOAuthPopup
			s.Selected = methodID
			s.AuthURL = chosen.AuthURL
			s.LastErr = ""
		})
	case "external":
		plugin, ok := m.plugin(methodID)
		if !ok {
			return fmt.Errorf("no plugin registered for method %q", methodID)
		}
		m.setState(func(s *State) {
			s.Step = StepExternalPending
			s.Selected = methodID
			s.LastErr = ""
		})
		plugin.Start(ctx, Callbacks{
			Success: func(pair token.Pair, user rest.User) {
				m.establish(pair, user)
			},
			Error: func(err error) {
				m.setState(func(s *State) {
					s.Step = StepMethodList
					s.LastErr = err.Error()
				})
			},
			Cancel: func() {
				m.BackToMethods()
			},
		})
	default:
		return fmt.Errorf("unsupported method kind %q", chosen.Kind)
	}
	return nil
}

// RequestCode asks the server to send a one-time code to target and moves
// on to code entry. On failure the step holds so the user can correct the
// target.
func (m *Manager) RequestCode(ctx context.Context, target string) error {
	m.mu.Lock()
	if m.state.Step != StepOTPTarget {
		m.mu.Unlock()
		return fmt.Errorf("request code from %s: %w", m.state.Step, ErrInvalidStep)
	}
	method := m.state.Selected
	m.mu.Unlock()

	if err := m.api.RequestOTP(ctx, method, target); err != nil {
		m.setState(func(s *State) { s.LastErr = err.Error() })
		return fmt.Errorf("request otp: %w", err)
	}

	m.mu.Lock()
	m.otpTarget = target
	m.mu.Unlock()
	m.setState(func(s *State) {
		s.Step = StepOTPCode
		s.LastErr = ""
	})
	return nil
}

// Verify exchanges the delivered code for a session. A new account that
// still needs a display name parks at StepDisplayName instead of
// authenticating; CompleteSignup finishes it.
func (m *Manager) Verify(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.state.Step != StepOTPCode {
		m.mu.Unlock()
		return fmt.Errorf("verify from %s: %w", m.state.Step, ErrInvalidStep)
	}
	method := m.state.Selected
	target := m.otpTarget
	m.mu.Unlock()

	result, err := m.api.VerifyOTP(ctx, method, target, code, "")
	if err != nil {
		m.setState(func(s *State) { s.LastErr = err.Error() })
		return fmt.Errorf("verify otp: %w", err)
	}

	if result.NeedsName {
		m.mu.Lock()
		m.otpCode = code
		m.mu.Unlock()
		m.setState(func(s *State) {
			s.Step = StepDisplayName
			s.LastErr = ""
		})
		return nil
	}

	m.establish(result.Pair(), result.User)
	return nil
}

// CompleteSignup re-verifies with the chosen display name for a new
// account.
func (m *Manager) CompleteSignup(ctx context.Context, displayName string) error {
	m.mu.Lock()
	if m.state.Step != StepDisplayName {
		m.mu.Unlock()
		return fmt.Errorf("complete signup from %s: %w", m.state.Step, ErrInvalidStep)
	}
	method := m.state.Selected
	target := m.otpTarget
	code := m.otpCode
	m.mu.Unlock()

	if strings.TrimSpace(displayName) == "" {
		m.setState(func(s *State) { s.LastErr = "display name is required" })
		return fmt.Errorf("display name is required")
	}

	result, err := m.api.VerifyOTP(ctx, method, target, code, displayName)
	if err != nil {
		m.setState(func(s *State) { s.LastErr = err.Error() })
		return fmt.Errorf("complete signup: %w", err)
	}

	m.establish(result.Pair(), result.User)
	return nil
}

// CompleteOAuth accepts the out-of-band completion signal from the popup
// window. The payload is trusted as-is; the host performs the origin check
// before calling in.
func (m *Manager) CompleteOAuth(pair token.Pair, user rest.User) error {
	m.mu.Lock()
	if m.state.Step != StepOAuthPopup {
		m.mu.Unlock()
		return fmt.Errorf("complete oauth from %s: %w", m.state.Step, ErrInvalidStep)
	}
	m.mu.Unlock()

	m.establish(pair, user)
	return nil
}

// ClaimUsername resolves StepUsernameRequired: check availability, claim
// the name, and finish authentication.
func (m *Manager) ClaimUsername(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.state.Step != StepUsernameRequired {
		m.mu.Unlock()
		return fmt.Errorf("claim username from %s: %w", m.state.Step, ErrInvalidStep)
	}
	m.mu.Unlock()

	available, err := m.api.CheckUsername(ctx, name)
	if err != nil {
		m.setState(func(s *State) { s.LastErr = err.Error() })
		return fmt.Errorf("check username: %w", err)
	}
	if !available {
		m.setState(func(s *State) { s.LastErr = "username is taken" })
		return fmt.Errorf("username %q is taken", name)
	}

	user, err := m.api.UpdateUser(ctx, name)
	if err != nil {
		m.setState(func(s *State) { s.LastErr = err.Error() })
		return fmt.Errorf("claim username: %w", err)
	}

	m.setState(func(s *State) {
		s.Step = StepIdle
		s.User = &user
		s.LastErr = ""
	})
	return nil
}

// Restore attempts silent session restoration from the persisted pair. A
// 401 earns exactly one refresh attempt; any other failure, or a failed
// refresh, clears the session. Safe to call on every mount.
func (m *Manager) Restore(ctx context.Context) error {
	pair, err := m.tokens.Load()
	if err != nil || pair.Empty() {
		if err != nil {
			log.Printf("auth: token load failed, starting signed out: %v", err)
			_ = m.tokens.Clear()
		}
		return nil
	}

	// Skip a validate that is doomed to 401 when the access token already
	// carries an expired exp claim.
	if accessExpired(pair.Access) {
		return m.refreshAndValidate(ctx, pair)
	}

	user, err := m.api.CurrentUser(ctx)
	if err == nil {
		m.setState(func(s *State) { s.User = &user })
		return nil
	}
	if rest.IsStatus(err, 401) {
		return m.refreshAndValidate(ctx, pair)
	}

	_ = m.tokens.Clear()
	return fmt.Errorf("restore session: %w", err)
}

func (m *Manager) refreshAndValidate(ctx context.Context, pair token.Pair) error {
	fresh, err := m.api.RefreshToken(ctx, pair.Refresh)
	if err != nil {
		_ = m.tokens.Clear()
		return fmt.Errorf("refresh session: %w", err)
	}
	if err := m.tokens.Save(fresh); err != nil {
		return fmt.Errorf("persist refreshed session: %w", err)
	}

	user, err := m.api.CurrentUser(ctx)
	if err != nil {
		_ = m.tokens.Clear()
		return fmt.Errorf("validate refreshed session: %w", err)
	}
	m.setState(func(s *State) { s.User = &user })
	return nil
}

// Logout clears both tokens and resets to idle with no user.
func (m *Manager) Logout() error {
	err := m.tokens.Clear()
	m.mu.Lock()
	m.otpTarget = ""
	m.otpCode = ""
	m.mu.Unlock()
	m.setState(func(s *State) {
		*s = State{Step: StepIdle}
	})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// establish persists the pair and finishes the wizard. An account without
// a username parks at StepUsernameRequired first.
func (m *Manager) establish(pair token.Pair, user rest.User) {
	if err := m.tokens.Save(pair); err != nil {
		log.Printf("auth: persist session failed: %v", err)
		m.setState(func(s *State) { s.LastErr = err.Error() })
		return
	}
	m.mu.Lock()
	m.otpTarget = ""
	m.otpCode = ""
	m.mu.Unlock()

	if strings.TrimSpace(user.Username) == "" {
		m.setState(func(s *State) {
			s.Step = StepUsernameRequired
			s.User = &user
			s.LastErr = ""
		})
		return
	}
	m.setState(func(s *State) {
		s.Step = StepIdle
		s.User = &user
		s.Selected = ""
		s.AuthURL = ""
		s.LastErr = ""
	})
}

// accessExpired decodes the access token without verifying its signature —
// the server remains the authority — just to read the exp claim.
func accessExpired(access string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
