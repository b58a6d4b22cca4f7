// SPDX-License-Identifier: Apache-2.0

// Package stage sequences the template configuration stages. Everything here
// is pure: the stage list is rebuilt from the needsConversion flag on every
// call and nothing is cached.
package stage

import (
	"errors"
	"fmt"
	"slices"

	"github.com/adiadia/workflow-core/internal/domain"
)

type Stage string

const (
	ProgramSelection   Stage = "PROGRAM_SELECTION"
	TemplateConversion Stage = "TEMPLATE_CONVERSION"
	TemplateSetup      Stage = "TEMPLATE_SETUP"
	VariableConfig     Stage = "VARIABLE_CONFIG"
	LogicConfig        Stage = "LOGIC_CONFIG"
	PreviewValidate    Stage = "PREVIEW_VALIDATE"
	ProductionReady    Stage = "PRODUCTION_READY"
)

var (
	ErrUnknownStage        = errors.New("stage not in sequence")
	ErrTemplateUnavailable = errors.New("template has neither a source nor a converted file")
	ErrUnknownFoundation   = errors.New("unknown foundation")
)

// Stages returns the ordered stage list. TEMPLATE_CONVERSION is present only
// when needsConversion is true.
func Stages(needsConversion bool) []Stage {
	out := make([]Stage, 0, 7)
	out = append(out, ProgramSelection)
	if needsConversion {
		out = append(out, TemplateConversion)
	}
	return append(out, TemplateSetup, VariableConfig, LogicConfig, PreviewValidate, ProductionReady)
}

func Parse(raw string) (Stage, error) {
	s := Stage(raw)
	if !slices.Contains(Stages(true), s) {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, raw)
	}
	return s, nil
}

// Index returns the position of current in the list, or -1.
func Index(current Stage, needsConversion bool) int {
	return slices.Index(Stages(needsConversion), current)
}

type Progress struct {
	Index   int     `json:"index"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// ProgressOf reports (index+1)/len*100 for current. A stage outside the list
// yields index -1 and 0 percent.
func ProgressOf(current Stage, needsConversion bool) Progress {
	stages := Stages(needsConversion)
	idx := slices.Index(stages, current)
	p := Progress{Index: idx, Total: len(stages)}
	if idx >= 0 {
		p.Percent = float64(idx+1) / float64(len(stages)) * 100
	}
	return p
}

type View struct {
	Stage     Stage `json:"stage"`
	Completed bool  `json:"completed"`
	Active    bool  `json:"active"`
}

// Views classifies every stage relative to current: completed strictly
// before it, active up to and including it.
func Views(current Stage, needsConversion bool) []View {
	stages := Stages(needsConversion)
	idx := slices.Index(stages, current)

	out := make([]View, len(stages))
	for i, s := range stages {
		out[i] = View{Stage: s, Completed: i < idx, Active: i <= idx}
	}
	return out
}

// Selection carries the readiness flags of the confirmed template.
type Selection struct {
	Foundation       domain.Foundation
	SourceFileExists bool
	FileExists       bool
}

func SelectionOf(t domain.TemplateDescriptor) Selection {
	return Selection{
		Foundation:       t.Foundation,
		SourceFileExists: t.SourceFileExists,
		FileExists:       t.FileExists,
	}
}

type Decision struct {
	NeedsConversion bool
	Next            Stage
}

// Decide is the only place that answers whether a selection needs
// conversion. Custom foundations always convert. A tangible template with a
// converted file goes straight to setup; one with only a source converts.
func Decide(sel Selection) (Decision, error) {
	switch sel.Foundation {
	case domain.FoundationCustom:
		return Decision{NeedsConversion: true, Next: TemplateConversion}, nil
	case domain.FoundationTangible, "":
		switch {
		case sel.FileExists:
			return Decision{NeedsConversion: false, Next: TemplateSetup}, nil
		case sel.SourceFileExists:
			return Decision{NeedsConversion: true, Next: TemplateConversion}, nil
		default:
			return Decision{}, ErrTemplateUnavailable
		}
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownFoundation, sel.Foundation)
	}
}

// Next returns the stage after current, or current itself at the end.
func Next(current Stage, needsConversion bool) (Stage, error) {
	stages := Stages(needsConversion)
	idx := slices.Index(stages, current)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, current)
	}
	if idx == len(stages)-1 {
		return current, nil
	}
	return stages[idx+1], nil
}

// Prev returns the stage before current, or current itself at the start.
func Prev(current Stage, needsConversion bool) (Stage, error) {
	stages := Stages(needsConversion)
	idx := slices.Index(stages, current)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, current)
	}
	if idx == 0 {
		return current, nil
	}
	return stages[idx-1], nil
}
