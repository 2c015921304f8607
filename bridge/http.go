package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/worker"
)

// HTTPRegistrar registers a worker served over HTTP. A GET on the candidate
// path returns the worker descriptor and a POST delivers one message.
type HTTPRegistrar struct {
	// BaseURL is the worker origin, e.g. http://localhost:8080.
	BaseURL string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

// NewHTTPRegistrar returns a registrar for the worker at baseURL.
func NewHTTPRegistrar(baseURL, token string) *HTTPRegistrar {
	return &HTTPRegistrar{BaseURL: baseURL, Token: token}
}

func (r *HTTPRegistrar) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// Register checks that a worker answers at c.Path and controls c.Scope.
func (r *HTTPRegistrar) Register(ctx context.Context, c Candidate) (Controller, error) {
	endpoint, err := url.JoinPath(r.BaseURL, c.Path)
	if err != nil {
		return nil, fmt.Errorf("building endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	r.authorize(req)

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registering at %s: %s", endpoint, resp.Status)
	}

	var d worker.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding worker descriptor: %w", err)
	}
	if !scopeCovers(d.Scope, c.Scope) {
		return nil, fmt.Errorf("scope %s outside worker scope %s", c.Scope, d.Scope)
	}
	if !d.Controlling {
		return nil, fmt.Errorf("worker at %s in state %s: %w", endpoint, d.State, ErrNoController)
	}

	return &httpController{registrar: r, endpoint: endpoint}, nil
}

func (r *HTTPRegistrar) authorize(req *http.Request) {
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
}

type httpController struct {
	registrar *HTTPRegistrar
	endpoint  string
}

// Post sends msg and waits for the worker's answer, which is then forwarded
// to reply.
func (c *httpController) Post(ctx context.Context, msg message.Message, reply chan<- message.Message) error {
	body, err := message.Encode(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.registrar.authorize(req)

	resp, err := c.registrar.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrNoController, strings.TrimSpace(string(data)))
	default:
		return fmt.Errorf("posting %s: %s: %s", msg.MessageType(), resp.Status, strings.TrimSpace(string(data)))
	}

	answer, err := message.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	if reply == nil {
		return nil
	}
	select {
	case reply <- answer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
