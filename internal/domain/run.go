// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type RunStatus string

const (
	RunNew       RunStatus = "NEW"
	RunInProcess RunStatus = "IN_PROCESS"
	RunComplete  RunStatus = "COMPLETE"
)

const (
	SubStatusActive = "ACTIVE"
	FinalStepID     = "final"
)

// MaxAccessHistory bounds metadata.accessHistory; older entries are dropped first.
const MaxAccessHistory = 50

type RunType string

const (
	RunMergerControl   RunType = "MERGER_CONTROL"
	RunSaaSAgreement   RunType = "SAAS_AGREEMENT"
	RunTemplateBuilder RunType = "TEMPLATE_BUILDER"
)

func (t RunType) Valid() bool {
	switch t {
	case RunMergerControl, RunSaaSAgreement, RunTemplateBuilder:
		return true
	default:
		return false
	}
}

type RunState struct {
	RunID     string    `json:"runId"`
	RunType   RunType   `json:"runType"`
	Status    RunStatus `json:"status"`
	SubStatus string    `json:"subStatus,omitempty"`
	// Revision is assigned by the server on every write and echoed back
	// as If-Match on the next conditional write.
	Revision int64 `json:"revision"`
}

type AccessEntry struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

type Metadata struct {
	Created        time.Time     `json:"created"`
	LastModified   time.Time     `json:"lastModified"`
	LastAccessed   time.Time     `json:"lastAccessed"`
	Owner          string        `json:"owner"`
	Collaborators  []string      `json:"collaborators"`
	CompletedSteps []string      `json:"completedSteps"`
	TotalSteps     int           `json:"totalSteps"`
	AccessHistory  []AccessEntry `json:"accessHistory"`
}

// HasStep reports whether stepID is in the completed step set.
func (m *Metadata) HasStep(stepID string) bool {
	return slices.Contains(m.CompletedSteps, stepID)
}

// AddStep adds stepID to the completed step set and reports whether it was new.
func (m *Metadata) AddStep(stepID string) bool {
	if m.HasStep(stepID) {
		return false
	}
	m.CompletedSteps = append(m.CompletedSteps, stepID)
	return true
}

func (m *Metadata) AddCollaborator(userID string) bool {
	if userID == "" || slices.Contains(m.Collaborators, userID) {
		return false
	}
	m.Collaborators = append(m.Collaborators, userID)
	return true
}

// RecordAccess stamps lastAccessed and appends to the bounded access history.
func (m *Metadata) RecordAccess(userID string, at time.Time) {
	m.LastAccessed = at
	if userID == "" {
		return
	}
	m.AccessHistory = append(m.AccessHistory, AccessEntry{UserID: userID, At: at})
	if over := len(m.AccessHistory) - MaxAccessHistory; over > 0 {
		m.AccessHistory = slices.Clone(m.AccessHistory[over:])
	}
}

// Normalize restores set semantics on sequences decoded from storage.
func (m *Metadata) Normalize() {
	m.CompletedSteps = dedupe(m.CompletedSteps)
	m.Collaborators = dedupe(m.Collaborators)
}

func (m Metadata) Clone() Metadata {
	out := m
	out.Collaborators = slices.Clone(m.Collaborators)
	out.CompletedSteps = slices.Clone(m.CompletedSteps)
	out.AccessHistory = slices.Clone(m.AccessHistory)
	return out
}

func dedupe(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// RunRecord is the document persisted under /runs/{runId}.
type RunRecord struct {
	RunState         RunState
	Metadata         Metadata
	ApplicationState ApplicationState
}

type runRecordWire struct {
	RunState         RunState        `json:"runState"`
	Metadata         Metadata        `json:"metadata"`
	ApplicationState json.RawMessage `json:"applicationState"`
}

func (r RunRecord) MarshalJSON() ([]byte, error) {
	app := r.ApplicationState
	if app == nil {
		var err error
		if app, err = NewApplicationState(r.RunState.RunType); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(app)
	if err != nil {
		return nil, fmt.Errorf("marshal application state: %w", err)
	}

	return json.Marshal(runRecordWire{
		RunState:         r.RunState,
		Metadata:         r.Metadata,
		ApplicationState: raw,
	})
}

func (r *RunRecord) UnmarshalJSON(data []byte) error {
	var wire runRecordWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	app, err := DecodeApplicationState(wire.RunState.RunType, wire.ApplicationState)
	if err != nil {
		return err
	}

	wire.Metadata.Normalize()
	r.RunState = wire.RunState
	r.Metadata = wire.Metadata
	r.ApplicationState = app
	return nil
}

func (r RunRecord) Clone() RunRecord {
	return RunRecord{
		RunState:         r.RunState,
		Metadata:         r.Metadata.Clone(),
		ApplicationState: CloneApplicationState(r.ApplicationState),
	}
}

// Checkpoint is an append-only snapshot posted to /runs/{runId}/checkpoint.
type Checkpoint struct {
	ID               string          `json:"id,omitempty"`
	Seq              int64           `json:"seq,omitempty"`
	RunID            string          `json:"runId"`
	Status           RunStatus       `json:"status"`
	ApplicationState json.RawMessage `json:"applicationState"`
	CreatedAt        time.Time       `json:"createdAt"`
}
