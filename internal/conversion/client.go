// SPDX-License-Identifier: Apache-2.0

package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/workflow-core/internal/apiclient"
	"github.com/adiadia/workflow-core/internal/domain"
)

const (
	headerEnvironment = "X-Environment"

	maxArtifactBytes = 64 << 20
)

// ErrJobNotFound means the status endpoint does not know the job yet.
var ErrJobNotFound = errors.New("conversion job not found")
var ErrFileNotFound = errors.New("artifact not found")

type HTTPError = apiclient.StatusError

type SubmitRequest struct {
	Template domain.TemplateDescriptor `json:"template"`
	Settings domain.ConversionSettings `json:"settings"`
}

// SubmitResult is either a terminal outcome (no JobID) or a job-started
// acknowledgment carrying the job to poll.
type SubmitResult struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Path    string           `json:"path,omitempty"`
	JobID   string           `json:"job_id,omitempty"`
	Status  domain.JobStatus `json:"status,omitempty"`
}

func (r SubmitResult) Started() bool {
	return r.JobID != ""
}

type StatusResult struct {
	Success    bool             `json:"success"`
	Status     domain.JobStatus `json:"status"`
	Log        []string         `json:"log"`
	OutputFile string           `json:"output_file,omitempty"`
	Message    string           `json:"message,omitempty"`
}

type Artifact struct {
	ContentType string
	Body        []byte
}

type Client struct {
	environment string
	httpClient  *http.Client
	api         *apiclient.Client
	logger      *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithEnvironment sets the deployment environment sent on registry reads.
func WithEnvironment(env string) Option {
	return func(client *Client) {
		client.environment = strings.TrimSpace(env)
	}
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = apiclient.New(baseURL, c.httpClient)
	return c
}

func (c *Client) Submit(ctx context.Context, tmpl domain.TemplateDescriptor, settings domain.ConversionSettings) (SubmitResult, error) {
	var out SubmitResult
	err := c.api.JSON(ctx, http.MethodPost, "/convert_template", SubmitRequest{Template: tmpl, Settings: settings}, nil, &out)
	if err != nil {
		return SubmitResult{}, err
	}
	return out, nil
}

// Status fetches the job. A 404 yields ErrJobNotFound.
func (c *Client) Status(ctx context.Context, jobID string) (StatusResult, error) {
	var out StatusResult
	err := c.api.JSON(ctx, http.MethodGet, "/conversion_status/"+url.PathEscape(jobID), nil, nil, &out)
	if err != nil {
		if apiclient.HasStatus(err, http.StatusNotFound) {
			return StatusResult{}, ErrJobNotFound
		}
		return StatusResult{}, err
	}
	return out, nil
}

// Templates lists the registry for the configured environment.
func (c *Client) Templates(ctx context.Context) ([]domain.TemplateDescriptor, error) {
	header := http.Header{}
	if c.environment != "" {
		header.Set(headerEnvironment, c.environment)
	}

	var out struct {
		Templates []domain.TemplateDescriptor `json:"templates"`
	}
	if err := c.api.JSON(ctx, http.MethodGet, "/templates", nil, header, &out); err != nil {
		c.logger.Error("list templates failed", "environment", c.environment, "error", err)
		return nil, err
	}
	return out.Templates, nil
}

// ViewFile downloads a rendered artifact for preview.
func (c *Client) ViewFile(ctx context.Context, path string) (Artifact, error) {
	q := url.Values{}
	q.Set("path", path)

	req, err := c.api.Request(ctx, http.MethodGet, "/files/view?"+q.Encode(), nil, nil)
	if err != nil {
		return Artifact{}, err
	}
	resp, err := c.api.Send(req)
	if err != nil {
		if apiclient.HasStatus(err, http.StatusNotFound) {
			return Artifact{}, ErrFileNotFound
		}
		return Artifact{}, fmt.Errorf("view file: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return Artifact{ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}
