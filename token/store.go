// Package token persists the access/refresh token pair for the current
// browsing context. The pair is global to the process: every widget instance
// reads it, but only the auth manager writes it.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Pair is the persisted credential: a short-lived access token and the
// refresh token used to renew it.
type Pair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Empty reports whether no session is stored.
func (p Pair) Empty() bool {
	return p.Access == "" && p.Refresh == ""
}

var ErrCorrupt = errors.New("token store: corrupt or foreign token file")

// Store seals the token pair into a single file. The sealing key is derived
// from a site-scoped secret so a token file copied between sites is useless.
type Store struct {
	mu   sync.Mutex
	path string
	key  []byte
	pair Pair
	read bool
}

// New creates a store backed by path. The parent directory is created on the
// first Save, not here, so a read-only mount can still Load.
func New(path, secret, siteID string) (*Store, error) {
	key, err := deriveKey(secret, siteID)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, key: key}, nil
}

func deriveKey(secret, siteID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("threadkit-token-store"), []byte(siteID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return key, nil
}

// Load returns the persisted pair, or a zero Pair when no session exists.
func (s *Store) Load() (Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.read {
		return s.pair, nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.read = true
		return Pair{}, nil
	}
	if err != nil {
		return Pair{}, fmt.Errorf("read token file: %w", err)
	}

	pair, err := s.open(raw)
	if err != nil {
		return Pair{}, err
	}
	s.pair = pair
	s.read = true
	return pair, nil
}

// Save seals and persists the pair, replacing any previous session.
func (s *Store) Save(pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal(pair)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	s.pair = pair
	s.read = true
	return nil
}

// Clear removes the persisted session. Missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pair = Pair{}
	s.read = true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Access returns the current access token, or "" when signed out. Errors
// reading the file are treated as no session; the auth manager surfaces them
// through Load.
func (s *Store) Access() string {
	pair, err := s.Load()
	if err != nil {
		return ""
	}
	return pair.Access
}

func (s *Store) seal(pair Pair) ([]byte, error) {
	payload, err := json.Marshal(pair)
	if err != nil {
		return nil, fmt.Errorf("marshal token pair: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, payload, nil), nil
}

func (s *Store) open(raw []byte) (Pair, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return Pair{}, fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return Pair{}, ErrCorrupt
	}
	nonce, box := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return Pair{}, ErrCorrupt
	}
	var pair Pair
	if err := json.Unmarshal(payload, &pair); err != nil {
		return Pair{}, ErrCorrupt
	}
	return pair, nil
}
