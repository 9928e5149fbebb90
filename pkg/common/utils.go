// Package common provides shared utilities for the endpoint bot-detection agent.
package common

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// patternCache memoizes compiled regexes across SanitizeString calls; the
// same allowed-pattern lists get reused across every signal a segment emits.
var patternCache sync.Map

// ValidationOptions configures ValidateJSON.
type ValidationOptions struct {
	MaxDepth   int
	MaxSize    int64
	StrictMode bool
}

// SanitizationOptions configures SanitizeString.
type SanitizationOptions struct {
	MaxLength       int
	AllowedPatterns []string
	StripHTML       bool
	TrimSpace       bool
}

// GenerateUUID returns a random UUID v4, used for command IDs and cache
// envelope identifiers where no caller-supplied ID exists.
func GenerateUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", WrapError(err, "generate uuid", nil)
	}
	return id.String(), nil
}

// ValidateJSON rejects jsonStr if it exceeds opts.MaxSize, isn't valid JSON,
// or nests deeper than opts.MaxDepth — the same guard the config loader and
// command channel apply to payloads that ultimately come from the network.
func ValidateJSON(jsonStr string, opts ValidationOptions) error {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 20
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1 << 20
	}

	if int64(len(jsonStr)) > opts.MaxSize {
		return NewError("ERR_INTERNAL", "json payload exceeds size limit", map[string]interface{}{
			"max_size": opts.MaxSize, "actual_size": len(jsonStr),
		})
	}

	var data interface{}
	decoder := json.NewDecoder(strings.NewReader(jsonStr))
	decoder.UseNumber()
	if opts.StrictMode {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(&data); err != nil {
		return WrapError(err, "invalid json payload", nil)
	}
	return validateJSONDepth(data, opts.MaxDepth, 0)
}

func validateJSONDepth(data interface{}, maxDepth, currentDepth int) error {
	if currentDepth > maxDepth {
		return NewError("ERR_INTERNAL", "json payload nested too deeply", map[string]interface{}{"max_depth": maxDepth})
	}
	switch v := data.(type) {
	case map[string]interface{}:
		for _, val := range v {
			if err := validateJSONDepth(val, maxDepth, currentDepth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, val := range v {
			if err := validateJSONDepth(val, maxDepth, currentDepth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// SanitizeString trims, truncates, and optionally pattern-filters or strips
// HTML from input, used on any free-text field (process names, window
// titles) that ends up embedded in a report before it reaches the dashboard.
func SanitizeString(input string, opts SanitizationOptions) string {
	if opts.MaxLength <= 0 {
		opts.MaxLength = 1000
	}

	result := input
	if opts.TrimSpace {
		result = strings.TrimSpace(result)
	}
	if len(result) > opts.MaxLength {
		result = result[:opts.MaxLength]
	}
	if len(opts.AllowedPatterns) > 0 {
		result = applyAllowedPatterns(result, opts.AllowedPatterns)
	}
	if opts.StripHTML {
		result = stripHTML(result)
	}
	return result
}

func applyAllowedPatterns(input string, patterns []string) string {
	for _, pattern := range patterns {
		var re *regexp.Regexp
		if cached, ok := patternCache.Load(pattern); ok {
			re = cached.(*regexp.Regexp)
		} else {
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			patternCache.Store(pattern, compiled)
			re = compiled
		}
		input = re.ReplaceAllString(input, "")
	}
	return input
}

func stripHTML(input string) string {
	return regexp.MustCompile("<[^>]*>").ReplaceAllString(input, "")
}
