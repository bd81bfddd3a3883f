package k8sclient

import (
	"knative.dev/pkg/apis"
)

// SucceededCondition is the duck-typed condition vocabulary Tekton
// TaskRuns use to report terminal state — the same one knative.dev/pkg
// defines and Tekton's own controllers consume.
const SucceededCondition apis.ConditionType = "Succeeded"

// IsTrue reports whether a Succeeded-typed condition list reports True.
func IsTrue(conditions []apis.Condition) bool {
	for _, c := range conditions {
		if c.Type == SucceededCondition {
			return c.Status == "True"
		}
	}
	return false
}

// IsFalse reports whether a Succeeded-typed condition list reports
// False — a terminal failure, as opposed to Unknown (still running).
func IsFalse(conditions []apis.Condition) bool {
	for _, c := range conditions {
		if c.Type == SucceededCondition {
			return c.Status == "False"
		}
	}
	return false
}

// Reason returns the Succeeded condition's Reason/Message, used to
// surface why a TaskRun failed.
func Reason(conditions []apis.Condition) (reason, message string) {
	for _, c := range conditions {
		if c.Type == SucceededCondition {
			return c.Reason, c.Message
		}
	}
	return "", ""
}
