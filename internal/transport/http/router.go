// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/workflow-core/internal/artifacts"
	"github.com/adiadia/workflow-core/internal/conversion"
	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/metrics"
	"github.com/adiadia/workflow-core/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerIfMatch     = "If-Match"
	headerETag        = "ETag"
	headerEnvironment = "X-Environment"

	maxBodyBytes = 4 << 20
)

// convertTemplateRequest is the submit payload plus optional terminal
// callback settings.
type convertTemplateRequest struct {
	conversion.SubmitRequest
	CallbackURL    string `json:"callback_url,omitempty"`
	CallbackSecret string `json:"callback_secret,omitempty"`
}

type Deps struct {
	Runs        RunStore
	Checkpoints CheckpointStore
	Jobs        ConversionQueue
	Templates   TemplateRegistry
	Artifacts   ArtifactStore
	Health      HealthChecker
	Logger      *slog.Logger

	AdminToken         string
	RequireIdentity    bool
	ConversionsPerMin  int
	DefaultEnvironment string

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	defaultEnv := valueOrDefault(deps.DefaultEnvironment, "development")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger, defaultEnv))
	r.Use(middleware.GatewayIdentity(deps.RequireIdentity, logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- RUNS ----------------

	if deps.Runs != nil {
		r.Route("/runs", func(r chi.Router) {

			// ---------------- FIND BY COMPANIES ----------------

			r.Get("/by-companies", func(w http.ResponseWriter, r *http.Request) {
				buyer := strings.TrimSpace(r.URL.Query().Get("buyer"))
				target := strings.TrimSpace(r.URL.Query().Get("target"))
				if buyer == "" || target == "" {
					http.Error(w, "buyer and target are required", http.StatusBadRequest)
					return
				}

				runs, err := deps.Runs.FindByCompanies(r.Context(), buyer, target)
				if err != nil {
					logger.Error("find runs by companies failed", "buyer", buyer, "target", target, "error", err)
					http.Error(w, "failed to find runs", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, map[string]any{
					"runs": runs,
				})
			})

			// ---------------- PUT RUN ----------------

			r.Put("/{runId}", func(w http.ResponseWriter, r *http.Request) {
				runID := chi.URLParam(r, "runId")

				rec, err := decodeRunRecord(r, runID)
				if err != nil {
					http.Error(w, "invalid run record: "+err.Error(), http.StatusBadRequest)
					return
				}

				expected, err := parseIfMatch(r.Header.Get(headerIfMatch))
				if err != nil {
					http.Error(w, "invalid If-Match header", http.StatusBadRequest)
					return
				}

				stored, err := deps.Runs.PutRun(r.Context(), rec, expected)
				if err != nil {
					switch {
					case errors.Is(err, domain.ErrRevisionConflict):
						http.Error(w, "run was modified concurrently", http.StatusConflict)
					case errors.Is(err, domain.ErrRunTypeChanged):
						http.Error(w, "run type cannot change", http.StatusUnprocessableEntity)
					case errors.Is(err, domain.ErrInvalidRunRecord), errors.Is(err, domain.ErrStateKindMismatch), errors.Is(err, domain.ErrUnknownRunType):
						http.Error(w, "invalid run record", http.StatusBadRequest)
					default:
						logger.Error("put run failed", "run_id", runID, "error", err)
						http.Error(w, "failed to write run", http.StatusInternalServerError)
					}
					return
				}

				metrics.IncRunStatus(stored.RunState.Status)
				w.Header().Set(headerETag, strconv.FormatInt(stored.RunState.Revision, 10))
				writeJSON(w, http.StatusOK, stored)
			})

			// ---------------- GET RUN ----------------

			r.Get("/{runId}", func(w http.ResponseWriter, r *http.Request) {
				runID := chi.URLParam(r, "runId")

				rec, err := deps.Runs.GetRun(r.Context(), runID)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						logger.Warn("run not found", "run_id", runID)
						http.Error(w, "run not found", http.StatusNotFound)
						return
					}

					logger.Error("get run failed", "run_id", runID, "error", err)
					http.Error(w, "failed to get run", http.StatusInternalServerError)
					return
				}

				w.Header().Set(headerETag, strconv.FormatInt(rec.RunState.Revision, 10))
				writeJSON(w, http.StatusOK, rec)
			})

			// ---------------- APPEND CHECKPOINT ----------------

			r.Post("/{runId}/checkpoint", func(w http.ResponseWriter, r *http.Request) {
				runID := chi.URLParam(r, "runId")
				if deps.Checkpoints == nil {
					logger.Error("checkpoint repository is not configured")
					http.Error(w, "failed to append checkpoint", http.StatusInternalServerError)
					return
				}

				var cp domain.Checkpoint
				if err := decodeJSONBody(r, &cp); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				stored, err := deps.Checkpoints.AppendCheckpoint(r.Context(), runID, cp)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						http.Error(w, "run not found", http.StatusNotFound)
						return
					}
					logger.Error("append checkpoint failed", "run_id", runID, "error", err)
					http.Error(w, "failed to append checkpoint", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusCreated, stored)
			})

			// ---------------- STREAM CHECKPOINTS (SSE) ----------------

			r.Get("/{runId}/checkpoints", func(w http.ResponseWriter, r *http.Request) {
				runID := chi.URLParam(r, "runId")

				if _, err := deps.Runs.GetRun(r.Context(), runID); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						http.Error(w, "run not found", http.StatusNotFound)
						return
					}
					logger.Error("sse get run failed", "run_id", runID, "error", err)
					http.Error(w, "failed to stream checkpoints", http.StatusInternalServerError)
					return
				}

				if deps.Checkpoints == nil {
					logger.Error("sse checkpoint repository is not configured")
					http.Error(w, "failed to stream checkpoints", http.StatusInternalServerError)
					return
				}

				since := strings.TrimSpace(r.URL.Query().Get("since_id"))
				cursor, err := resolveCheckpointCursor(r.Context(), deps.Checkpoints, runID, since)
				if err != nil {
					if errors.Is(err, errInvalidSinceID) {
						http.Error(w, "invalid since_id", http.StatusBadRequest)
						return
					}
					logger.Error("resolve checkpoint cursor failed",
						"run_id", runID,
						"since_id", since,
						"error", err,
					)
					http.Error(w, "failed to stream checkpoints", http.StatusInternalServerError)
					return
				}

				flusher, ok := w.(http.Flusher)
				if !ok {
					http.Error(w, "streaming unsupported", http.StatusInternalServerError)
					return
				}

				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.Header().Set("X-Accel-Buffering", "no")
				w.WriteHeader(http.StatusOK)
				flusher.Flush()

				writeCheckpoints := func() error {
					checkpoints, err := deps.Checkpoints.ListCheckpointsAfter(r.Context(), runID, cursor)
					if err != nil {
						return err
					}

					for _, cp := range checkpoints {
						payload, err := json.Marshal(cp)
						if err != nil {
							return err
						}
						if _, err := fmt.Fprintf(w, "id: %d\nevent: checkpoint\ndata: %s\n\n", cp.Seq, payload); err != nil {
							return err
						}
						flusher.Flush()
						cursor = cp.Seq
					}

					return nil
				}

				if err := writeCheckpoints(); err != nil {
					logger.Error("sse initial write failed", "run_id", runID, "error", err)
					return
				}

				ticker := time.NewTicker(500 * time.Millisecond)
				defer ticker.Stop()

				for {
					select {
					case <-r.Context().Done():
						return
					case <-ticker.C:
						if err := writeCheckpoints(); err != nil {
							logger.Error("sse write failed", "run_id", runID, "error", err)
							return
						}
					}
				}
			})
		})
	}

	// ---------------- CONVERSION ----------------

	if deps.Jobs != nil {
		submit := r.With()
		if deps.ConversionsPerMin > 0 {
			submit = r.With(middleware.RateLimit(deps.ConversionsPerMin, logger))
		}

		submit.Post("/convert_template", func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeConvertRequest(r)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, conversion.SubmitResult{Success: false, Error: err.Error()})
				return
			}

			tmpl := req.Template
			if deps.Templates != nil {
				env := environmentOf(r, tmpl.Environment, defaultEnv)
				registered, err := deps.Templates.GetTemplate(r.Context(), tmpl.ID, env)
				switch {
				case err == nil:
					tmpl = registered
				case errors.Is(err, domain.ErrTemplateNotFound):
					writeJSON(w, http.StatusOK, conversion.SubmitResult{Success: false, Error: "template not found: " + tmpl.ID})
					return
				default:
					logger.Error("template lookup failed", "template_id", tmpl.ID, "error", err)
					http.Error(w, "failed to submit conversion", http.StatusInternalServerError)
					return
				}
			}

			if strings.TrimSpace(tmpl.SourcePath) == "" {
				writeJSON(w, http.StatusOK, conversion.SubmitResult{Success: false, Error: "template has no source file"})
				return
			}

			outputPath := strings.TrimSpace(tmpl.OutputPath)
			if outputPath == "" || req.Settings.OutputFormat != "" {
				outputPath = artifacts.OutputPath(tmpl.SourcePath, req.Settings.OutputFormat)
			}

			if deps.Artifacts != nil {
				if !req.Settings.Overwrite && deps.Artifacts.Exists(outputPath) {
					logger.Info("conversion already available", "template_id", tmpl.ID, "path", outputPath)
					writeJSON(w, http.StatusOK, conversion.SubmitResult{Success: true, Path: outputPath})
					return
				}
				if !deps.Artifacts.Exists(tmpl.SourcePath) {
					writeJSON(w, http.StatusOK, conversion.SubmitResult{Success: false, Error: "source file not found: " + tmpl.SourcePath})
					return
				}
			}

			job, err := deps.Jobs.CreateJob(r.Context(), domain.CreateConversionParams{
				Template:       tmpl,
				Settings:       req.Settings,
				CallbackURL:    req.CallbackURL,
				CallbackSecret: req.CallbackSecret,
			}, outputPath)
			if err != nil {
				logger.Error("create conversion job failed", "template_id", tmpl.ID, "error", err)
				http.Error(w, "failed to submit conversion", http.StatusInternalServerError)
				return
			}

			logger.Info("conversion submitted via API", "job_id", job.ID, "template_id", tmpl.ID)

			writeJSON(w, http.StatusOK, conversion.SubmitResult{
				Success: true,
				JobID:   job.ID,
				Status:  job.PublicStatus(),
			})
		})

		r.Get("/conversion_status/{jobId}", func(w http.ResponseWriter, r *http.Request) {
			jobID := chi.URLParam(r, "jobId")

			job, err := deps.Jobs.GetJob(r.Context(), jobID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, conversion.StatusResult{Success: false, Message: "job not found"})
					return
				}
				logger.Error("get conversion job failed", "job_id", jobID, "error", err)
				http.Error(w, "failed to get conversion status", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, conversion.StatusResult{
				Success:    true,
				Status:     job.PublicStatus(),
				Log:        job.Log,
				OutputFile: job.OutputFile,
				Message:    job.ErrorMessage,
			})
		})
	}

	// ---------------- ARTIFACTS ----------------

	if deps.Artifacts != nil {
		r.Get("/files/view", func(w http.ResponseWriter, r *http.Request) {
			rel := r.URL.Query().Get("path")

			f, info, err := deps.Artifacts.Open(rel)
			if err != nil {
				switch {
				case errors.Is(err, artifacts.ErrOutsideRoot):
					http.Error(w, "invalid path", http.StatusBadRequest)
				case errors.Is(err, fs.ErrNotExist):
					http.Error(w, "file not found", http.StatusNotFound)
				default:
					logger.Error("open artifact failed", "path", rel, "error", err)
					http.Error(w, "failed to read file", http.StatusInternalServerError)
				}
				return
			}
			defer f.Close()

			http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		})
	}

	// ---------------- TEMPLATES ----------------

	if deps.Templates != nil {
		r.Get("/templates", func(w http.ResponseWriter, r *http.Request) {
			env := environmentOf(r, "", defaultEnv)

			templates, err := deps.Templates.ListTemplates(r.Context(), env)
			if err != nil {
				logger.Error("list templates failed", "environment", env, "error", err)
				http.Error(w, "failed to list templates", http.StatusInternalServerError)
				return
			}

			if deps.Artifacts != nil {
				for i := range templates {
					t := &templates[i]
					t.SourceFileExists = t.SourcePath != "" && deps.Artifacts.Exists(t.SourcePath)
					t.FileExists = t.OutputPath != "" && deps.Artifacts.Exists(t.OutputPath)
				}
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"templates": templates,
			})
		})

		r.With(middleware.AdminTokenAuth(deps.AdminToken, logger)).Put("/templates/{id}", func(w http.ResponseWriter, r *http.Request) {
			var t domain.TemplateDescriptor
			if err := decodeJSONBody(r, &t); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			t.ID = chi.URLParam(r, "id")
			t.Environment = environmentOf(r, t.Environment, defaultEnv)

			stored, err := deps.Templates.UpsertTemplate(r.Context(), t)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidTemplate) {
					http.Error(w, "invalid template", http.StatusBadRequest)
					return
				}
				logger.Error("upsert template failed", "template_id", t.ID, "error", err)
				http.Error(w, "failed to register template", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, stored)
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody(r *http.Request, out any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

// decodeRunRecord reads a run document and binds it to runID. A body naming
// a different run is rejected.
func decodeRunRecord(r *http.Request, runID string) (domain.RunRecord, error) {
	var rec domain.RunRecord
	if err := decodeJSONBody(r, &rec); err != nil {
		return domain.RunRecord{}, err
	}

	bodyID := strings.TrimSpace(rec.RunState.RunID)
	if bodyID != "" && bodyID != runID {
		return domain.RunRecord{}, errors.New("runId does not match path")
	}
	rec.RunState.RunID = runID
	return rec, nil
}

// parseIfMatch returns the expected revision, or nil for an unconditional
// write. Quoted entity tags are accepted.
func parseIfMatch(raw string) (*int64, error) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return nil, nil
	}
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return nil, errors.New("invalid revision")
	}
	return &rev, nil
}

func decodeConvertRequest(r *http.Request) (convertTemplateRequest, error) {
	var req convertTemplateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return convertTemplateRequest{}, err
	}

	req.Template.ID = strings.TrimSpace(req.Template.ID)
	if req.Template.ID == "" {
		return convertTemplateRequest{}, errors.New("template id is required")
	}

	req.CallbackURL = strings.TrimSpace(req.CallbackURL)
	if req.CallbackURL == "" {
		return req, nil
	}

	parsed, err := url.Parse(req.CallbackURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return convertTemplateRequest{}, errors.New("invalid callback_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return convertTemplateRequest{}, errors.New("unsupported callback_url scheme")
	}

	return req, nil
}

// environmentOf picks the registry partition: the X-Environment header, then
// the value named by the payload, then the server default.
func environmentOf(r *http.Request, fromBody, defaultEnv string) string {
	if env := strings.TrimSpace(r.Header.Get(headerEnvironment)); env != "" {
		return env
	}
	if env := strings.TrimSpace(fromBody); env != "" {
		return env
	}
	return defaultEnv
}

var errInvalidSinceID = errors.New("invalid since_id")

func resolveCheckpointCursor(
	ctx context.Context,
	checkpoints CheckpointStore,
	runID string,
	since string,
) (int64, error) {
	if since == "" {
		return 0, nil
	}

	if seq, err := strconv.ParseInt(since, 10, 64); err == nil {
		if seq < 0 {
			return 0, errInvalidSinceID
		}
		return seq, nil
	}

	checkpointID, err := uuid.Parse(since)
	if err != nil {
		return 0, errInvalidSinceID
	}

	seq, err := checkpoints.ResolveCursorByCheckpointID(ctx, runID, checkpointID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errInvalidSinceID
		}
		return 0, err
	}

	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
