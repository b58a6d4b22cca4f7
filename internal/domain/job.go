// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"slices"
	"time"
)

type JobStatus string

const (
	JobIdle       JobStatus = "idle"
	JobConverting JobStatus = "converting"
	JobSuccess    JobStatus = "success"
	JobError      JobStatus = "error"

	// JobQueued only exists server side, before a worker claims the job.
	JobQueued JobStatus = "queued"
)

func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobError
}

// ConversionJob is the client-side view of one conversion attempt.
type ConversionJob struct {
	ID           string    `json:"id,omitempty"`
	Status       JobStatus `json:"status"`
	Log          []string  `json:"log"`
	OutputFile   string    `json:"output_file,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

func (j ConversionJob) Clone() ConversionJob {
	out := j
	out.Log = slices.Clone(j.Log)
	return out
}

type Foundation string

const (
	FoundationTangible Foundation = "tangible"
	FoundationCustom   Foundation = "custom"
)

// TemplateDescriptor is a registry entry for a template together with its
// readiness flags.
type TemplateDescriptor struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Program          string     `json:"program,omitempty"`
	Foundation       Foundation `json:"foundation"`
	SourcePath       string     `json:"source_path,omitempty"`
	OutputPath       string     `json:"output_path,omitempty"`
	SourceFileExists bool       `json:"source_file_exists"`
	FileExists       bool       `json:"file_exists"`
	Environment      string     `json:"environment,omitempty"`
}

type ConversionSettings struct {
	OutputFormat   string `json:"output_format,omitempty"`
	PreserveStyles bool   `json:"preserve_styles,omitempty"`
	Overwrite      bool   `json:"overwrite,omitempty"`
}

// ConversionRecord is the server-side row behind a conversion job.
type ConversionRecord struct {
	ID             string             `json:"id"`
	TemplateID     string             `json:"template_id"`
	SourcePath     string             `json:"source_path"`
	OutputPath     string             `json:"output_path"`
	Settings       ConversionSettings `json:"settings"`
	Status         JobStatus          `json:"status"`
	Log            []string           `json:"log"`
	OutputFile     string             `json:"output_file,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	CallbackURL    string             `json:"callback_url,omitempty"`
	CallbackSecret string             `json:"-"`
	Attempts       int                `json:"attempts"`
	RequestedBy    string             `json:"requested_by,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
}

// PublicStatus is the status reported to pollers; a queued job is already
// converting from their point of view.
func (r ConversionRecord) PublicStatus() JobStatus {
	if r.Status == JobQueued {
		return JobConverting
	}
	return r.Status
}

type CreateConversionParams struct {
	Template       TemplateDescriptor
	Settings       ConversionSettings
	CallbackURL    string
	CallbackSecret string
}

// ConversionEvent is posted to a job's callback URL once it is terminal.
type ConversionEvent struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	OutputFile string    `json:"output_file,omitempty"`
	Message    string    `json:"message,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
