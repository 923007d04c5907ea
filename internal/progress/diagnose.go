package progress

import (
	"fmt"
	"sort"
	"strings"
)

// IssueKind names one category of drift between progress and registration.
type IssueKind string

const (
	// CompletedMismatch: the registration is completed or passed but the
	// progress record is not completed.
	CompletedMismatch IssueKind = "completed_mismatch"
	// DataFieldMismatch: a status field inside progress_data shows completion
	// but the progress record is not completed.
	DataFieldMismatch IssueKind = "data_field_mismatch"
	// MissingTimestamp: the record is completed without completed_at.
	MissingTimestamp IssueKind = "missing_timestamp"
)

// Issue is one detected inconsistency.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Field  string    `json:"field,omitempty"`
	Detail string    `json:"detail"`
}

// statusFields are the progress_data keys runtimes use to report completion,
// covering SCORM 1.2 and 2004 naming.
var statusFields = []string{
	"cmi.core.lesson_status",
	"cmi.completion_status",
	"cmi.success_status",
	"lesson_status",
	"completion_status",
	"success_status",
}

// IsCompletionValue reports whether a runtime or registration status string
// means the learner finished.
func IsCompletionValue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "completed", "complete", "passed":
		return true
	default:
		return false
	}
}

// RegistrationComplete reports whether reg marks the learner as finished.
func RegistrationComplete(reg *Registration) bool {
	if reg == nil {
		return false
	}
	return IsCompletionValue(reg.CompletionStatus) || IsCompletionValue(reg.SuccessStatus)
}

// Diagnose compares a progress record against its registration. reg may be
// nil when no registration exists yet.
func Diagnose(rec Record, reg *Registration) []Issue {
	var issues []Issue
	if !rec.Completed {
		if RegistrationComplete(reg) {
			issues = append(issues, Issue{
				Kind:   CompletedMismatch,
				Detail: fmt.Sprintf("registration completion=%q success=%q", reg.CompletionStatus, reg.SuccessStatus),
			})
		}
		if field, value, ok := completedDataField(rec.ProgressData); ok {
			issues = append(issues, Issue{
				Kind:   DataFieldMismatch,
				Field:  field,
				Detail: fmt.Sprintf("%s=%q", field, value),
			})
		}
	}
	if rec.Completed && (rec.CompletedAt == nil || rec.CompletedAt.IsZero()) {
		issues = append(issues, Issue{Kind: MissingTimestamp, Detail: "completed without completed_at"})
	}
	return issues
}

func completedDataField(data map[string]any) (string, string, bool) {
	if len(data) == 0 {
		return "", "", false
	}
	for _, field := range statusFields {
		raw, ok := data[field]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if ok && IsCompletionValue(value) {
			return field, value, true
		}
	}
	return "", "", false
}

// CountByKind tallies issues per kind.
func CountByKind(issues []Issue) map[IssueKind]int {
	out := make(map[IssueKind]int, len(issues))
	for _, issue := range issues {
		out[issue.Kind]++
	}
	return out
}

// Kinds returns the distinct kinds in issues, sorted.
func Kinds(issues []Issue) []IssueKind {
	counts := CountByKind(issues)
	kinds := make([]IssueKind, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
