// SPDX-License-Identifier: Apache-2.0

// Package apiclient is the request plumbing shared by the workflow API
// clients: JSON bodies, gateway identity headers and non-2xx mapping.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/adiadia/workflow-core/internal/auth"
)

const (
	HeaderUserID = "X-User-Id"
	HeaderGroups = "X-User-Groups"

	maxErrorBody = 512
)

// StatusError is a non-2xx response. Body holds the start of the response
// text.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// HasStatus reports whether err is a StatusError with one of codes.
func HasStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range codes {
		if se.Code == code {
			return true
		}
	}
	return false
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Request builds a request for path below the base URL. A non-nil body is
// sent as JSON, and the caller identity in ctx becomes gateway headers.
func (c *Client) Request(ctx context.Context, method, path string, body any, header http.Header) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		req.Header.Set(HeaderUserID, id.UserID)
		if len(id.Groups) > 0 {
			req.Header.Set(HeaderGroups, strings.Join(id.Groups, ","))
		}
	}
	return req, nil
}

// Send performs req. A 2xx response is returned with its body open; any
// other status is drained, closed and returned as a *StatusError.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil, &StatusError{
		Method: req.Method,
		Path:   path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(msg)),
	}
}

// JSON sends body and decodes a 2xx response into out. A nil out discards
// the response.
func (c *Client) JSON(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	req, err := c.Request(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
