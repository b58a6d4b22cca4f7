// SPDX-License-Identifier: Apache-2.0

// Package runstore is the gateway to the remote run record endpoints. Each
// call is one round trip; nothing is cached.
package runstore

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/adiadia/workflow-core/internal/apiclient"
	"github.com/adiadia/workflow-core/internal/domain"
)

const headerIfMatch = "If-Match"

var ErrNotFound = errors.New("run record not found")
var ErrConflict = errors.New("run record was modified concurrently")

// StatusError is returned for any non-success response other than the
// recognised not-found and conflict outcomes.
type StatusError = apiclient.StatusError

type Client struct {
	httpClient *http.Client
	api        *apiclient.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = apiclient.New(baseURL, c.httpClient)
	return c
}

// Create writes a brand-new record. The write is unconditional, so retrying
// with the same payload is harmless.
func (c *Client) Create(ctx context.Context, runID string, rec domain.RunRecord) (domain.RunRecord, error) {
	return c.put(ctx, runID, rec, false)
}

// Write overwrites the record, guarded by rec.RunState.Revision. A record
// changed by another writer since it was read yields ErrConflict.
func (c *Client) Write(ctx context.Context, runID string, rec domain.RunRecord) (domain.RunRecord, error) {
	return c.put(ctx, runID, rec, true)
}

// Load fetches a record. A missing record yields ErrNotFound.
func (c *Client) Load(ctx context.Context, runID string) (domain.RunRecord, error) {
	var rec domain.RunRecord
	if err := c.do(ctx, http.MethodGet, runPath(runID), nil, nil, &rec); err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Error("load run failed", "run_id", runID, "error", err)
		}
		return domain.RunRecord{}, err
	}
	return rec, nil
}

// AppendCheckpoint posts a snapshot to the checkpoint log. The response is
// not merged into any in-memory record.
func (c *Client) AppendCheckpoint(ctx context.Context, runID string, cp domain.Checkpoint) error {
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/checkpoint", cp, nil, nil); err != nil {
		c.logger.Error("append checkpoint failed", "run_id", runID, "error", err)
		return err
	}
	return nil
}

// FindByCompanies looks up merger control runs by the parties involved.
func (c *Client) FindByCompanies(ctx context.Context, buyer, target string) ([]domain.RunRecord, error) {
	q := url.Values{}
	q.Set("buyer", buyer)
	q.Set("target", target)

	var out struct {
		Runs []domain.RunRecord `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/runs/by-companies?"+q.Encode(), nil, nil, &out); err != nil {
		c.logger.Error("find runs by companies failed", "buyer", buyer, "target", target, "error", err)
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) put(ctx context.Context, runID string, rec domain.RunRecord, conditional bool) (domain.RunRecord, error) {
	header := http.Header{}
	if conditional {
		header.Set(headerIfMatch, strconv.FormatInt(rec.RunState.Revision, 10))
	}

	var stored domain.RunRecord
	if err := c.do(ctx, http.MethodPut, runPath(runID), rec, header, &stored); err != nil {
		c.logger.Error("write run failed",
			"run_id", runID,
			"conditional", conditional,
			"revision", rec.RunState.Revision,
			"error", err,
		)
		return domain.RunRecord{}, err
	}

	c.logger.Debug("run written", "run_id", runID, "revision", stored.RunState.Revision)
	return stored, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	err := c.api.JSON(ctx, method, path, body, header, out)
	switch {
	case apiclient.HasStatus(err, http.StatusNotFound):
		return ErrNotFound
	case apiclient.HasStatus(err, http.StatusConflict, http.StatusPreconditionFailed):
		return ErrConflict
	}
	return err
}

func runPath(runID string) string {
	return "/runs/" + url.PathEscape(runID)
}
