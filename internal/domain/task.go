// Package domain contains pure, dependency-free domain models and types
// for synthetic dataset generation.
package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Stage identifies which phase of dataset generation a task runs.
type Stage string

const (
	// StageOne generates unconditioned candidate texts, later used as
	// conditions.
	StageOne Stage = "x1"
	// StageTwo generates texts conditioned on stage-one output.
	StageTwo Stage = "x2"
	// StageZeroShot runs zero-shot inference with the large model instead of
	// generating data.
	StageZeroShot Stage = "zs"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageOne, StageTwo, StageZeroShot:
		return true
	default:
		return false
	}
}

// Placeholders recognized inside label instructions.
const (
	PlaceholderCondition      = "<C>"
	PlaceholderText           = "<X>"
	PlaceholderAnswer         = "<A>"
	PlaceholderQuestion       = "<Q>"
	PlaceholderDemonstrations = "<D>"
)

// Label names with a fixed meaning for question answering tasks.
const (
	QALabelQuestion = "question"
	QALabelAnswer   = "answer"
)

// qaTasks lists the task names handled by the question answering pipeline.
var qaTasks = map[string]bool{
	"squad":          true,
	"adversarial_qa": true,
}

// IsQATask reports whether the named task is a question answering task.
func IsQATask(name string) bool { return qaTasks[name] }

// LabelSpec describes how to prompt the model for one label.
type LabelSpec struct {
	// Instruction is the prompt template for this label.
	Instruction string `json:"instruction" yaml:"instruction"`
	// CounterLabels name the labels whose instructions act as
	// self-debiasing prompts when generating for this label.
	CounterLabels []string `json:"counter_labels,omitempty" yaml:"counter_labels,omitempty"`
}

// TaskSpec is the task specification file describing a generation task.
type TaskSpec struct {
	TaskName string               `json:"task_name" yaml:"task_name"`
	Stage    Stage                `json:"stage" yaml:"stage"`
	Labels   map[string]LabelSpec `json:"labels" yaml:"labels"`
	// Stop lists extra strings that end a generated sequence.
	Stop []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// IsQA reports whether the task runs through the question answering pipeline.
func (t *TaskSpec) IsQA() bool { return IsQATask(t.TaskName) }

// LabelNames returns the task's labels in sorted order so that generation
// order is deterministic.
func (t *TaskSpec) LabelNames() []string {
	names := make([]string, 0, len(t.Labels))
	for name := range t.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Label returns the specification of the named label.
func (t *TaskSpec) Label(name string) (LabelSpec, error) {
	spec, ok := t.Labels[name]
	if !ok {
		return LabelSpec{}, NewTaskError(name, "lookup", ErrUnknownLabel)
	}
	return spec, nil
}

// Validate checks the structural invariants of the task specification.
// It returns a *ValidationError listing every problem found.
func (t *TaskSpec) Validate() error {
	verr := NewValidationError("task " + t.TaskName)

	if strings.TrimSpace(t.TaskName) == "" {
		verr.AddError("task_name is required")
	}
	if !t.Stage.Valid() {
		verr.AddError(fmt.Sprintf("stage must be one of x1, x2, zs, got %q", t.Stage))
	}
	if len(t.Labels) == 0 {
		verr.AddError("labels must not be empty")
	}

	for _, name := range t.LabelNames() {
		spec := t.Labels[name]
		if strings.TrimSpace(spec.Instruction) == "" {
			verr.AddError(fmt.Sprintf("label %q has an empty instruction", name))
		}
		for _, counter := range spec.CounterLabels {
			if counter == name {
				verr.AddError(fmt.Sprintf("label %q lists itself as a counter label", name))
				continue
			}
			if _, ok := t.Labels[counter]; !ok {
				verr.AddError(fmt.Sprintf("label %q references unknown counter label %q", name, counter))
			}
		}
	}

	if t.IsQA() {
		t.validateQA(verr)
	} else if t.Stage == StageZeroShot {
		for _, name := range t.LabelNames() {
			if !strings.Contains(t.Labels[name].Instruction, PlaceholderText) {
				verr.AddError(fmt.Sprintf("zero-shot instruction for label %q must contain %s", name, PlaceholderText))
			}
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func (t *TaskSpec) validateQA(verr *ValidationError) {
	switch t.Stage {
	case StageTwo:
		spec, ok := t.Labels[QALabelQuestion]
		if !ok {
			verr.AddError(fmt.Sprintf("qa stage two requires a %q label", QALabelQuestion))
			return
		}
		for _, ph := range []string{PlaceholderCondition, PlaceholderAnswer} {
			if !strings.Contains(spec.Instruction, ph) {
				verr.AddError(fmt.Sprintf("%q instruction must contain %s", QALabelQuestion, ph))
			}
		}
	case StageZeroShot:
		spec, ok := t.Labels[QALabelAnswer]
		if !ok {
			verr.AddError(fmt.Sprintf("qa zero-shot requires an %q label", QALabelAnswer))
			return
		}
		for _, ph := range []string{PlaceholderCondition, PlaceholderQuestion} {
			if !strings.Contains(spec.Instruction, ph) {
				verr.AddError(fmt.Sprintf("%q instruction must contain %s", QALabelAnswer, ph))
			}
		}
	}
}

// FillInstruction substitutes placeholders in instruction with the given
// values. Placeholders without a value are left untouched.
func FillInstruction(instruction string, values map[string]string) string {
	if len(values) == 0 {
		return instruction
	}
	pairs := make([]string, 0, 2*len(values))
	for ph, v := range values {
		pairs = append(pairs, ph, v)
	}
	return strings.NewReplacer(pairs...).Replace(instruction)
}

// SplitAtPlaceholder splits instruction around the first occurrence of
// placeholder. ok is false when the placeholder is absent.
func SplitAtPlaceholder(instruction, placeholder string) (prefix, suffix string, ok bool) {
	return strings.Cut(instruction, placeholder)
}
