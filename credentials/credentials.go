// Package credentials resolves the secrets used by the bridge: the bearer
// token guarding the worker control endpoint and per-host credentials sent
// when fetching archive bytes upstream.
//
// Credentials are written as a text/template that renders to JSON, so
// secrets can come from the environment or files instead of living in the
// template itself:
//
//	{
//	  "auth_token": {{ env "REPLAY_BRIDGE_TOKEN" | json }},
//	  "upstreams": [
//	    {"match": {"host_suffix": ".s3.amazonaws.com"}, "headers": {"x-amz-security-token": {{ file "/run/secrets/sts" | json }}}}
//	  ]
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved credential values.
type Credentials struct {
	AuthToken string         `json:"auth_token,omitempty"`
	Upstreams []UpstreamAuth `json:"upstreams,omitempty"`
}

// UpstreamAuth is applied to upstream requests whose host matches.
type UpstreamAuth struct {
	Match    HostMatch         `json:"match"`
	Token    string            `json:"token,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// HostMatch selects upstream hosts. Exactly one field should be set.
type HostMatch struct {
	Host       string `json:"host,omitempty"`
	HostSuffix string `json:"host_suffix,omitempty"`
	Any        bool   `json:"any,omitempty"`
}

func (m HostMatch) matches(host string) bool {
	host = strings.ToLower(host)
	switch {
	case m.Any:
		return true
	case m.Host != "":
		return strings.EqualFold(m.Host, host)
	case m.HostSuffix != "":
		return strings.HasSuffix(host, strings.ToLower(m.HostSuffix))
	}
	return false
}

// ForURL returns the first upstream entry matching u's host, or nil.
func (c *Credentials) ForURL(u *url.URL) *UpstreamAuth {
	if c == nil || u == nil {
		return nil
	}
	host := u.Hostname()
	for i := range c.Upstreams {
		if c.Upstreams[i].Match.matches(host) {
			return &c.Upstreams[i]
		}
	}
	return nil
}

// Apply sets the matching credentials on req. Headers already present on
// req are left untouched.
func (c *Credentials) Apply(req *http.Request) {
	auth := c.ForURL(req.URL)
	if auth == nil {
		return
	}
	if req.Header.Get("Authorization") == "" {
		switch {
		case auth.Token != "":
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		case auth.Username != "":
			req.SetBasicAuth(auth.Username, auth.Password)
		}
	}
	for k, v := range auth.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
}

// Transport applies Credentials to every request before delegating to Base.
type Transport struct {
	Base        http.RoundTripper
	Credentials *Credentials
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Credentials.ForURL(req.URL) == nil {
		return base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	t.Credentials.Apply(req)
	return base.RoundTrip(req)
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.buildFuncMap(ctx, make(map[string]string))).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	r.logger.Debug("resolved credentials", "upstreams", len(creds.Upstreams), "auth_token_set", creds.AuthToken != "")
	return &creds, nil
}

func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	for name, provider := range r.providers {
		fm[name] = memoize(ctx, name, provider, cache)
	}
	return fm
}

// memoize wraps a provider so each ref is resolved once per template.
func memoize(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}
		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		cache[cacheKey] = val
		return val, nil
	}
}
