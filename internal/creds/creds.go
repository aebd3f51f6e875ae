// Package creds models the login credentials the marketplace session needs:
// a cookie map plus a localStorage snapshot captured by an external
// interactive login flow. The core only reads the cached bundle, watches it
// for rewrites, and deletes it when a forced re-acquisition is required.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNoCredentials = errors.New("no credentials available")
	ErrNoOwnerID     = errors.New("cookies carry no owner id")

	// ErrExpired marks credential-expiry class failures. Collaborators wrap
	// it so the session supervisor can distinguish re-auth from plain
	// reconnect.
	ErrExpired = errors.New("credentials expired")
)

// Bundle is the persisted credential snapshot. Both maps are opaque to the
// core; only the cookie fields named below are ever inspected.
type Bundle struct {
	Cookies      map[string]string `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
}

// Provider acquires credentials. forceInteractive requests a full login flow
// rather than a silent cache read; implementations that cannot run one
// return ErrNoCredentials.
type Provider interface {
	Credentials(ctx context.Context, forceInteractive bool) (*Bundle, error)
}

// CookieHeader renders the bundle's cookies in Cookie-header form with
// stable ordering.
func (b *Bundle) CookieHeader() string {
	if b == nil || len(b.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(b.Cookies))
	for name := range b.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+b.Cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// OwnerID extracts the account id from the cookie map: the unb cookie when
// present, else the hid field of the havana login-context cookie.
func (b *Bundle) OwnerID() (string, error) {
	if b == nil || len(b.Cookies) == 0 {
		return "", ErrNoOwnerID
	}
	if unb := strings.TrimSpace(b.Cookies["unb"]); unb != "" {
		return unb, nil
	}
	havana := b.Cookies["havana_lgc2_77"]
	if havana == "" {
		return "", ErrNoOwnerID
	}
	var parsed struct {
		HID json.Number `json:"hid"`
	}
	if err := json.Unmarshal([]byte(havana), &parsed); err != nil {
		return "", ErrNoOwnerID
	}
	if parsed.HID.String() == "" {
		return "", ErrNoOwnerID
	}
	return parsed.HID.String(), nil
}

// ParseCookieString converts a "k=v; k2=v2" cookie string into a map,
// skipping malformed segments.
func ParseCookieString(raw string) map[string]string {
	cookies := map[string]string{}
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		name, value, ok := strings.Cut(segment, "=")
		if !ok || name == "" {
			continue
		}
		cookies[name] = value
	}
	return cookies
}

// FileCache persists the credential bundle as a single JSON blob. Writes are
// atomic (tmp + rename) so watchers never observe a partial file.
type FileCache struct {
	Path string
	// BrowserStatePath, when set, names the browser snapshot that lets the
	// external login flow skip interactive re-auth. Invalidate removes it
	// alongside the bundle so the next acquisition is a full login.
	BrowserStatePath string
}

func (c *FileCache) Load() (*Bundle, error) {
	if c == nil || strings.TrimSpace(c.Path) == "" {
		return nil, ErrNoCredentials
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, err
	}
	if len(bundle.Cookies) == 0 {
		return nil, ErrNoCredentials
	}
	return &bundle, nil
}

func (c *FileCache) Save(bundle *Bundle) error {
	if c == nil || strings.TrimSpace(c.Path) == "" || bundle == nil {
		return ErrNoCredentials
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}

// Invalidate deletes the cached bundle and any browser snapshot so the next
// credential acquisition runs the full interactive flow.
func (c *FileCache) Invalidate() error {
	if c == nil {
		return nil
	}
	var firstErr error
	for _, path := range []string{c.Path, c.BrowserStatePath} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Credentials implements Provider over the cache file alone. It cannot run
// an interactive flow; forced acquisition only succeeds if external tooling
// has rewritten the cache since invalidation.
func (c *FileCache) Credentials(ctx context.Context, forceInteractive bool) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Load()
}
