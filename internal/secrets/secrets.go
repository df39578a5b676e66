// Package secrets provides the database credential source consumed by the
// exporter. The real deployment resolves credentials from a managed secret
// store; locally they come from an environment variable or a file holding
// the same JSON document.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Credentials is the decoded secret payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Source fetches credentials by identifier.
type Source interface {
	Fetch(ctx context.Context, id string) (Credentials, error)
}

// EnvSource resolves a secret identifier against the environment. The
// identifier names an environment variable containing either the JSON
// document itself or a path to a file holding it.
type EnvSource struct{}

func (EnvSource) Fetch(ctx context.Context, id string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	if id == "" {
		return Credentials{}, fmt.Errorf("secret id is required")
	}

	raw := os.Getenv(id)
	if raw == "" {
		return Credentials{}, fmt.Errorf("secret %s not set", id)
	}

	// A leading path separator means the variable points at a file.
	if raw[0] == '/' || raw[0] == '.' {
		data, err := os.ReadFile(raw)
		if err != nil {
			return Credentials{}, fmt.Errorf("read secret file %s: %w", raw, err)
		}
		raw = string(data)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode secret %s: %w", id, err)
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, fmt.Errorf("secret %s missing username or password", id)
	}
	return creds, nil
}

// Cached memoizes the first successful fetch for the process lifetime so
// warm invocations skip the secret store round trip.
type Cached struct {
	Inner Source

	mu    sync.Mutex
	creds map[string]Credentials
}

// NewCached wraps a source with process-lifetime caching.
func NewCached(inner Source) *Cached {
	return &Cached{Inner: inner, creds: make(map[string]Credentials)}
}

func (c *Cached) Fetch(ctx context.Context, id string) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if creds, ok := c.creds[id]; ok {
		return creds, nil
	}
	creds, err := c.Inner.Fetch(ctx, id)
	if err != nil {
		return Credentials{}, err
	}
	c.creds[id] = creds
	return creds, nil
}
