package yourmaster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// CredentialStore persists the session across process restarts. Only the
// SessionManager writes to it.
type CredentialStore interface {
	// Load returns the stored credentials, or empty Credentials when none
	// have been saved.
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds *Credentials) error
	Clear(ctx context.Context) error
}

func cloneCredentials(c *Credentials) *Credentials {
	if c == nil {
		return &Credentials{}
	}
	out := *c
	if c.User != nil {
		u := *c.User
		out.User = &u
	}
	return &out
}

// ============================================================================
// MemoryCredentialStore
// ============================================================================

// MemoryCredentialStore is a goroutine-safe in-memory store.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds *Credentials
	saves int
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: &Credentials{}}
}

func (s *MemoryCredentialStore) Load(context.Context) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCredentials(s.creds), nil
}

func (s *MemoryCredentialStore) Save(_ context.Context, creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = cloneCredentials(creds)
	s.saves++
	return nil
}

func (s *MemoryCredentialStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &Credentials{}
	return nil
}

// SaveCount returns how many times Save has been called.
func (s *MemoryCredentialStore) SaveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// ============================================================================
// FileCredentialStore
// ============================================================================

type credentialsFile struct {
	AccessToken  string       `toml:"access_token"`
	RefreshToken string       `toml:"refresh_token"`
	Role         string       `toml:"role,omitempty"`
	User         *profileFile `toml:"user,omitempty"`
}

type profileFile struct {
	ID        string `toml:"id"`
	Email     string `toml:"email"`
	FirstName string `toml:"first_name,omitempty"`
	LastName  string `toml:"last_name,omitempty"`
	Role      string `toml:"role,omitempty"`
	AvatarURL string `toml:"avatar_url,omitempty"`
	City      string `toml:"city,omitempty"`
}

// FileCredentialStore keeps credentials in a TOML file readable only by the
// owner. The CLI uses it at ~/.yourmaster/credentials.toml.
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialStore returns a store backed by path. The file is created
// on first Save.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

func (s *FileCredentialStore) Load(context.Context) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Credentials{}, nil
		}
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}
	var f credentialsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse credentials: %w", err)
	}
	creds := &Credentials{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		Role:         ParseRole(f.Role),
	}
	if f.User != nil {
		creds.User = &UserProfile{
			ID:        f.User.ID,
			Email:     f.User.Email,
			FirstName: f.User.FirstName,
			LastName:  f.User.LastName,
			Role:      ParseRole(f.User.Role),
			AvatarURL: f.User.AvatarURL,
			City:      f.User.City,
		}
	}
	return creds, nil
}

func (s *FileCredentialStore) Save(_ context.Context, creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := credentialsFile{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Role:         string(creds.Role),
	}
	if u := creds.User; u != nil {
		f.User = &profileFile{
			ID:        u.ID,
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Role:      string(u.Role),
			AvatarURL: u.AvatarURL,
			City:      u.City,
		}
	}
	data, err := toml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	// Written beside the target and renamed into place.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return nil
}

func (s *FileCredentialStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot remove credentials: %w", err)
	}
	return nil
}
