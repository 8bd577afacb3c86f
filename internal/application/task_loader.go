package application

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-synthgen/internal/domain"
)

// TaskFormat is the encoding of a task specification file.
type TaskFormat string

const (
	TaskFormatJSON TaskFormat = "json"
	TaskFormatYAML TaskFormat = "yaml"
)

// FormatForPath picks the task format from the file extension. Anything
// that is not .yaml or .yml is read as JSON.
func FormatForPath(path string) TaskFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return TaskFormatYAML
	default:
		return TaskFormatJSON
	}
}

// LoadTaskSpec reads, decodes, and validates the task specification at path.
// LoadTaskSpec returns an error if the file cannot be read, contains unknown
// fields, or fails TaskSpec validation.
func LoadTaskSpec(path string) (*domain.TaskSpec, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	task, err := parseTaskSpec(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return task, nil
}

// LoadTaskSpecFromReader decodes and validates a task specification in the
// given format.
func LoadTaskSpecFromReader(r io.Reader, format TaskFormat) (*domain.TaskSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read task data: %w", err)
	}
	return parseTaskSpec(data, format)
}

func parseTaskSpec(data []byte, format TaskFormat) (*domain.TaskSpec, error) {
	var (
		task domain.TaskSpec
		err  error
	)
	switch format {
	case TaskFormatYAML:
		err = decodeYAML(data, &task)
	case TaskFormatJSON:
		err = decodeJSON(data, &task)
	default:
		return nil, fmt.Errorf("%w: unsupported task format %q", domain.ErrInvalidTask, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidTask, err)
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

// decodeYAML uses strict decoding so misspelled keys are reported instead
// of silently ignored.
func decodeYAML(data []byte, v any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("YAML decode failed: %w", err)
	}
	return nil
}

func decodeJSON(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("JSON decode failed: %w", err)
	}
	return nil
}
