// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"
)

// ApplicationState is the workflow-defined payload of a run. Each RunType has
// exactly one concrete variant; the lifecycle never looks inside it.
type ApplicationState interface {
	Kind() RunType
}

type MergerControlState struct {
	Buyer          string            `json:"buyer,omitempty"`
	Target         string            `json:"target,omitempty"`
	Jurisdictions  []string          `json:"jurisdictions,omitempty"`
	FilingDeadline *time.Time        `json:"filingDeadline,omitempty"`
	Answers        map[string]string `json:"answers,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

func (*MergerControlState) Kind() RunType { return RunMergerControl }

type SaaSAgreementState struct {
	Vendor     string            `json:"vendor,omitempty"`
	Customer   string            `json:"customer,omitempty"`
	TermMonths int               `json:"termMonths,omitempty"`
	AutoRenew  *bool             `json:"autoRenew,omitempty"`
	Clauses    map[string]string `json:"clauses,omitempty"`
	DraftPath  string            `json:"draftPath,omitempty"`
}

func (*SaaSAgreementState) Kind() RunType { return RunSaaSAgreement }

type TemplateBuilderState struct {
	Stage           string            `json:"stage,omitempty"`
	NeedsConversion *bool             `json:"needsConversion,omitempty"`
	TemplateID      string            `json:"templateId,omitempty"`
	Foundation      Foundation        `json:"foundation,omitempty"`
	ConversionJobID string            `json:"conversionJobId,omitempty"`
	ConvertedFile   string            `json:"convertedFile,omitempty"`
	ConversionLog   []string          `json:"conversionLog,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	Logic           map[string]string `json:"logic,omitempty"`
}

func (*TemplateBuilderState) Kind() RunType { return RunTemplateBuilder }

// JSON names of the TemplateBuilderState fields that describe one
// conversion attempt.
const (
	FieldConversionJobID = "conversionJobId"
	FieldConvertedFile   = "convertedFile"
	FieldConversionLog   = "conversionLog"
)

// NewApplicationState returns the empty variant for kind.
func NewApplicationState(kind RunType) (ApplicationState, error) {
	switch kind {
	case RunMergerControl:
		return &MergerControlState{}, nil
	case RunSaaSAgreement:
		return &SaaSAgreementState{}, nil
	case RunTemplateBuilder:
		return &TemplateBuilderState{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRunType, kind)
	}
}

// DecodeApplicationState decodes raw into the variant selected by kind.
// Empty input and JSON null decode to the empty variant.
func DecodeApplicationState(kind RunType, raw json.RawMessage) (ApplicationState, error) {
	state, err := NewApplicationState(kind)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return state, nil
	}
	if err := json.Unmarshal(trimmed, state); err != nil {
		return nil, fmt.Errorf("decode %s application state: %w", kind, err)
	}
	return state, nil
}

// MergeApplicationState overlays the fields set in patch onto current, one
// level deep. Nested maps and slices in patch replace their counterparts.
// Zero values in patch are indistinguishable from absent fields, so fields
// that must be reset are named in clear by their JSON name; they end up zero
// unless patch sets them.
func MergeApplicationState(current, patch ApplicationState, clear ...string) (ApplicationState, error) {
	if current == nil && patch == nil {
		return nil, nil
	}
	if current == nil {
		empty, err := NewApplicationState(patch.Kind())
		if err != nil {
			return nil, err
		}
		current = empty
	}
	if patch != nil && current.Kind() != patch.Kind() {
		return nil, fmt.Errorf("%w: cannot merge %s into %s", ErrStateKindMismatch, patch.Kind(), current.Kind())
	}

	known := stateFieldNames(current)
	for _, name := range clear {
		if !known[name] {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrUnknownStateField, current.Kind(), name)
		}
	}

	base, err := fieldsOf(current)
	if err != nil {
		return nil, err
	}
	for _, name := range clear {
		delete(base, name)
	}
	if patch != nil {
		overlay, err := fieldsOf(patch)
		if err != nil {
			return nil, err
		}
		maps.Copy(base, overlay)
	}

	raw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	return DecodeApplicationState(current.Kind(), raw)
}

// CloneApplicationState returns a deep copy through the JSON encoding.
func CloneApplicationState(state ApplicationState) ApplicationState {
	if state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return state
	}
	out, err := DecodeApplicationState(state.Kind(), raw)
	if err != nil {
		return state
	}
	return out
}

func fieldsOf(state ApplicationState) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal %s application state: %w", state.Kind(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("split %s application state: %w", state.Kind(), err)
	}
	return fields, nil
}

func stateFieldNames(state ApplicationState) map[string]bool {
	t := reflect.TypeOf(state)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	names := make(map[string]bool, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			names[name] = true
		}
	}
	return names
}
