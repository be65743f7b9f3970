// Package api is the HTTP client for the activity storage service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx answer from the storage service.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("storage: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("storage: status %d", e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the service at baseURL (e.g. http://localhost:8080)
// authenticating with the bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) List(ctx context.Context, params url.Values) (*activity.Envelope, error) {
	var env activity.Envelope
	if err := c.do(ctx, http.MethodGet, "/api/activities?"+params.Encode(), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Get(ctx context.Context, id string) (*activity.Activity, error) {
	var a activity.Activity
	if err := c.do(ctx, http.MethodGet, "/api/activities/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Create(ctx context.Context, a *activity.Activity) (*activity.Activity, error) {
	var out activity.Activity
	if err := c.do(ctx, http.MethodPost, "/api/activities", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, a *activity.Activity) (*activity.Activity, error) {
	var out activity.Activity
	if err := c.do(ctx, http.MethodPut, "/api/activities/"+url.PathEscape(a.ID), a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/activities/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Attend(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/activities/"+url.PathEscape(id)+"/attend", nil, nil)
}

func (c *Client) Unattend(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/activities/"+url.PathEscape(id)+"/attend", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) == nil {
		statusErr.Code = payload.Error.Code
		statusErr.Message = payload.Error.Message
	} else {
		statusErr.Message = strings.TrimSpace(string(data))
	}
	return statusErr
}
