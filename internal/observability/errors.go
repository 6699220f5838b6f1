package observability

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coachpo/courier/errs"
)

// AggregateErrors joins the non-nil errors of one operation, logs a single summary entry
// with a per-code breakdown, and returns the joined error wrapped with the operation name.
func AggregateErrors(operation string, collected []error, fields ...Field) error {
	filtered := make([]error, 0, len(collected))
	messages := make([]string, 0, len(collected))
	for _, err := range collected {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "error_codes", Value: CodeSummary(filtered)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}

// CodeSummary counts errors by their errs code; uncoded errors count as "unknown".
// The result is rendered as sorted code=count pairs for stable log output.
func CodeSummary(collected []error) []string {
	counts := make(map[errs.Code]int)
	for _, err := range collected {
		if err == nil {
			continue
		}
		code, ok := errs.CodeOf(err)
		if !ok {
			code = "unknown"
		}
		counts[code]++
	}
	out := make([]string, 0, len(counts))
	for code, n := range counts {
		out = append(out, fmt.Sprintf("%s=%d", code, n))
	}
	sort.Strings(out)
	return out
}
