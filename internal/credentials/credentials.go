package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoCredential means no credential file exists for the domain.
	ErrNoCredential = errors.New("no credential for domain")
	// ErrNoRefreshToken means an OAuth credential cannot be refreshed.
	ErrNoRefreshToken = errors.New("oauth credential has no refresh token")
)

const (
	TypeAPIKey = "api_key"
	TypeOAuth  = "oauth"
)

// OAuth holds the refreshable token set of an oauth credential.
type OAuth struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"` // unix milliseconds
	Scopes       []string `json:"scopes,omitempty"`
	IsMax        bool     `json:"is_max,omitempty"`
}

// Credential is the per-domain credential file content, a tagged union over
// api_key and oauth variants.
type Credential struct {
	Type         string `json:"type"`
	APIKey       string `json:"api_key,omitempty"`
	OAuth        *OAuth `json:"oauth,omitempty"`
	ClientAPIKey string `json:"client_api_key,omitempty"`
}

func (c *Credential) IsOAuth() bool {
	return c.Type == TypeOAuth && c.OAuth != nil
}

// ExpiresWithin reports whether an OAuth credential expires within d.
func (c *Credential) ExpiresWithin(d time.Duration) bool {
	if !c.IsOAuth() {
		return false
	}
	return time.Now().Add(d).UnixMilli() >= c.OAuth.ExpiresAt
}

// Store maps domains to credentials backed by files in a credentials
// directory, one <domain>.credentials.json per domain, with a process-wide
// cache in front.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Credential
}

func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		cache: make(map[string]*Credential),
	}
}

func (s *Store) path(domain string) string {
	return filepath.Join(s.dir, domain+".credentials.json")
}

// Lookup returns the credential for a domain, loading it from disk on first
// use. Returns ErrNoCredential when the file does not exist.
func (s *Store) Lookup(domain string) (*Credential, error) {
	domain = normalizeDomain(domain)

	s.mu.RLock()
	cred, ok := s.cache[domain]
	s.mu.RUnlock()
	if ok {
		return cred, nil
	}

	cred, err := s.load(domain)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[domain] = cred
	s.mu.Unlock()
	return cred, nil
}

func (s *Store) load(domain string) (*Credential, error) {
	data, err := os.ReadFile(s.path(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCredential, domain)
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential file for %s: %w", domain, err)
	}
	if cred.Type != TypeAPIKey && cred.Type != TypeOAuth {
		return nil, fmt.Errorf("credential file for %s has unknown type %q", domain, cred.Type)
	}
	return &cred, nil
}

// save atomically rewrites the credential file (write-temp, fsync, rename)
// and refreshes the cache entry.
func (s *Store) save(domain string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	target := s.path(domain)
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp credential file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp credential file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename credential file: %w", err)
	}

	s.mu.Lock()
	s.cache[domain] = cred
	s.mu.Unlock()
	return nil
}

// normalizeDomain strips any port so "example.com:8080" and "example.com"
// share a credential file.
func normalizeDomain(domain string) string {
	if i := strings.LastIndex(domain, ":"); i > 0 {
		return domain[:i]
	}
	return domain
}
