package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opts  map[string]any
		check func(t *testing.T, got RequestOptions)
	}{
		{
			name: "defaults",
			opts: nil,
			check: func(t *testing.T, got RequestOptions) {
				assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
				assert.Equal(t, "default-model", got.Model)
				assert.Nil(t, got.Temperature)
				assert.Nil(t, got.TopP)
				assert.Zero(t, got.TopK)
				assert.Nil(t, got.Stop)
				assert.Nil(t, got.Seed)
				assert.Empty(t, got.Extra)
			},
		},
		{
			name: "sampling options",
			opts: map[string]any{
				"max_tokens":  40,
				"temperature": 0.7,
				"top_p":       0.9,
				"top_k":       5,
				"stop":        []string{"\"", ""},
				"seed":        42,
				"logit_bias":  map[string]int{"a": 1},
			},
			check: func(t *testing.T, got RequestOptions) {
				assert.Equal(t, 40, got.MaxTokens)
				assert.InDelta(t, 0.7, *got.Temperature, 1e-9)
				assert.InDelta(t, 0.9, *got.TopP, 1e-9)
				assert.Equal(t, 5, got.TopK)
				assert.Equal(t, []string{"\""}, got.Stop)
				assert.Equal(t, 42, *got.Seed)
				assert.Contains(t, got.Extra, "logit_bias")
			},
		},
		{
			name: "top_p of one disables nucleus sampling",
			opts: map[string]any{"top_p": 1.0, "temperature": 3.5},
			check: func(t *testing.T, got RequestOptions) {
				assert.Nil(t, got.TopP)
				assert.Nil(t, got.Temperature, "out of range temperature falls back to provider default")
			},
		},
		{
			name: "invalid values fall back to defaults",
			opts: map[string]any{"max_tokens": -3, "model": "", "top_k": 0, "top_p": 1.5, "temperature": -0.1},
			check: func(t *testing.T, got RequestOptions) {
				assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
				assert.Equal(t, "default-model", got.Model)
				assert.Zero(t, got.TopK)
				assert.Nil(t, got.TopP)
				assert.Nil(t, got.Temperature)
			},
		},
		{
			name: "numeric types are coerced",
			opts: map[string]any{"max_tokens": float64(12), "temperature": 1},
			check: func(t *testing.T, got RequestOptions) {
				assert.Equal(t, 12, got.MaxTokens)
				assert.InDelta(t, 1.0, *got.Temperature, 1e-9)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ParseRequestOptions(tt.opts, "default-model"))
		})
	}
}

func TestValidationPredicates(t *testing.T) {
	assert.True(t, IsValidTemperature(0))
	assert.True(t, IsValidTemperature(MaxTemperature))
	assert.False(t, IsValidTemperature(MaxTemperature+0.1))
	assert.True(t, IsValidTopP(0.9))
	assert.False(t, IsValidTopP(-0.1))
	assert.True(t, IsPositiveInt(1))
	assert.False(t, IsPositiveInt(0))
	assert.True(t, IsNonEmptyString("gpt2"))
	assert.False(t, IsNonEmptyString(""))
}

func TestExtractOptionalStringSlice(t *testing.T) {
	assert.Nil(t, ExtractOptionalStringSlice(nil, "stop"))
	assert.Equal(t, []string{"x"}, ExtractOptionalStringSlice(map[string]any{"stop": "x"}, "stop"))
	assert.Equal(t, []string{"a", "b"}, ExtractOptionalStringSlice(map[string]any{"stop": []any{"a", 3, "b"}}, "stop"))
	assert.Nil(t, ExtractOptionalStringSlice(map[string]any{"stop": []string{""}}, "stop"))
}

func TestValidateBaseURL(t *testing.T) {
	got, err := ValidateBaseURL("http://localhost:8000/v1")
	assert.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/v1", got)

	_, err = ValidateBaseURL("localhost:8000")
	assert.Error(t, err)

	_, err = ValidateBaseURL("ftp://example.com")
	assert.Error(t, err)

	got, err = ValidateBaseURL("")
	assert.NoError(t, err)
	assert.Empty(t, got)
}
