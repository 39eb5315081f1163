package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeCredFile(t *testing.T, dir, domain string, cred *Credential) {
	t.Helper()
	data, err := json.Marshal(cred)
	if err != nil {
		t.Fatalf("failed to marshal credential: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, domain+".credentials.json"), data, 0600); err != nil {
		t.Fatalf("failed to write credential file: %v", err)
	}
}

func TestLookup_APIKey(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{
		Type:         TypeAPIKey,
		APIKey:       "sk-ant-test",
		ClientAPIKey: "cnp_test_abc",
	})

	store := NewStore(dir)
	cred, err := store.Lookup("example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.APIKey != "sk-ant-test" || cred.ClientAPIKey != "cnp_test_abc" {
		t.Errorf("unexpected credential: %+v", cred)
	}
}

func TestLookup_StripsPort(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{Type: TypeAPIKey, APIKey: "k"})

	store := NewStore(dir)
	if _, err := store.Lookup("example.com:8080"); err != nil {
		t.Errorf("port should be stripped from the domain: %v", err)
	}
}

func TestLookup_Missing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Lookup("nowhere.test")
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestEnsureFresh_APIKeyPassthrough(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{Type: TypeAPIKey, APIKey: "k"})

	r := NewRefresher(NewStore(dir), "http://invalid.test/token")
	cred, err := r.EnsureFresh(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.APIKey != "k" {
		t.Errorf("unexpected credential: %+v", cred)
	}
}

func TestEnsureFresh_NotExpired(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{
		Type: TypeOAuth,
		OAuth: &OAuth{
			AccessToken:  "old",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		},
	})

	r := NewRefresher(NewStore(dir), "http://invalid.test/token")
	cred, err := r.EnsureFresh(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.OAuth.AccessToken != "old" {
		t.Error("fresh token should not be refreshed")
	}
}

func TestEnsureFresh_SingleRefreshUnderContention(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{
		Type: TypeOAuth,
		OAuth: &OAuth{
			AccessToken:  "expired",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		},
		ClientAPIKey: "cnp_test_client",
	})

	var refreshCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		// Slow refresh widens the contention window.
		time.Sleep(50 * time.Millisecond)
		var body map[string]string
		json.NewDecoder(req.Body).Decode(&body)
		if body["grant_type"] != "refresh_token" || body["refresh_token"] != "rt" {
			t.Errorf("unexpected refresh payload: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "rt2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	r := NewRefresher(NewStore(dir), srv.URL)

	const n = 10
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := r.EnsureFresh(context.Background(), "example.com")
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			tokens[i] = cred.OAuth.AccessToken
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&refreshCalls); got != 1 {
		t.Errorf("expected exactly 1 refresh call, got %d", got)
	}
	for i, tok := range tokens {
		if tok != "fresh" {
			t.Errorf("request %d got token %q, want %q", i, tok, "fresh")
		}
	}

	// The credential file was rewritten with the new token set, preserving
	// the client key.
	data, err := os.ReadFile(filepath.Join(dir, "example.com.credentials.json"))
	if err != nil {
		t.Fatalf("failed to read credential file: %v", err)
	}
	var saved Credential
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("failed to parse saved credential: %v", err)
	}
	if saved.OAuth.AccessToken != "fresh" || saved.OAuth.RefreshToken != "rt2" {
		t.Errorf("saved credential not updated: %+v", saved.OAuth)
	}
	if saved.ClientAPIKey != "cnp_test_client" {
		t.Error("client_api_key should survive a refresh")
	}
	if _, err := os.Stat(filepath.Join(dir, "example.com.credentials.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be gone after the atomic rename")
	}
}

func TestEnsureFresh_NoRefreshToken(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{
		Type:  TypeOAuth,
		OAuth: &OAuth{AccessToken: "expired", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()},
	})

	r := NewRefresher(NewStore(dir), "http://invalid.test/token")
	_, err := r.EnsureFresh(context.Background(), "example.com")
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestEnsureFresh_RefreshRejected(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", &Credential{
		Type: TypeOAuth,
		OAuth: &OAuth{
			AccessToken:  "expired",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	r := NewRefresher(NewStore(dir), srv.URL)
	_, err := r.EnsureFresh(context.Background(), "example.com")
	if !IsRefreshRejected(err) {
		t.Errorf("expected a refresh rejection, got %v", err)
	}
}
