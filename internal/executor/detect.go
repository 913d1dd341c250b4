package executor

import (
	"strings"

	"github.com/dispatchlab/taskdispatcher/internal/task"
)

// taskTypePrefixes lists the deterministic label/title-prefix priority
// order used to classify a task for routing purposes. The first match
// wins; an unmatched task falls back to "general".
var taskTypePrefixes = []string{
	"code-generation",
	"code-refactor",
	"code-review",
	"text-processing",
	"summarize",
	"reasoning",
}

// DetectType classifies t into one of the fixed task-type tags that
// drive routing, checking labels first and then the task title's
// prefix, in the same fixed priority order.
func DetectType(t *task.Task) string {
	labelSet := make(map[string]struct{}, len(t.Labels))
	for _, l := range t.Labels {
		labelSet[strings.ToLower(l)] = struct{}{}
	}

	for _, candidate := range taskTypePrefixes {
		if _, ok := labelSet[candidate]; ok {
			return candidate
		}
	}

	title := strings.ToLower(t.Title)
	for _, candidate := range taskTypePrefixes {
		if strings.HasPrefix(title, candidate) {
			return candidate
		}
	}

	return "general"
}
