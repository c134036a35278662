package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const credFileName = "credentials.json"

// TokenEnv overrides the stored session with a raw bearer token.
const TokenEnv = "TADA_TOKEN"

// Credentials is what survives between runs.
type Credentials struct {
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	Cookie    string     `json:"cookie,omitempty"` // session cookie name=value
	Token     string     `json:"token,omitempty"`  // cached JWT
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Source    string     `json:"source"` // "env" | "file"
	CreatedAt time.Time  `json:"created_at"`
}

// Store keeps Credentials in one owner-only JSON file.
type Store struct {
	dir    string
	getenv func(string) string
}

// DefaultDir is ~/.tada.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home: %w", err)
	}
	return filepath.Join(home, ".tada"), nil
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, getenv: os.Getenv}
}

// Path is the credentials file.
func (s *Store) Path() string { return filepath.Join(s.dir, credFileName) }

// Load returns nil, nil when nobody is signed in.
func (s *Store) Load() (*Credentials, error) {
	// 1) env override
	if env := strings.TrimSpace(s.getenv(TokenEnv)); env != "" {
		return &Credentials{Token: stripBearer(env), Source: "env"}, nil
	}

	// 2) file
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	c.Token = stripBearer(c.Token)
	c.Source = "file"
	return &c, nil
}

// Save writes c with 0600 inside a 0700 directory.
func (s *Store) Save(c Credentials) error {
	if c.Cookie == "" && c.Token == "" {
		return errors.New("empty credentials")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	c.Source = "file"
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.Token = stripBearer(strings.TrimSpace(c.Token))
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(s.Path(), b, 0o600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

func stripBearer(s string) string {
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}
