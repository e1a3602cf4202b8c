package chat

import (
	"encoding/json"
	"fmt"

	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

const placeholderText = "Working on it — collecting the data now. This can take a few minutes."

// resultMarker tags a delivered result with its endpoint so downstream
// renderers can pick a layout. Plain text otherwise.
func resultMarker(endpoint string) string {
	return "[" + endpoint + "]"
}

// FormatTerminal renders a terminal task into the text shown in the
// conversation. Failures are plain language, never a raw stack trace.
func FormatTerminal(t *task.Task, endpoint string) string {
	switch t.Status {
	case task.StatusCompleted:
		return formatCompleted(t, endpoint)
	case task.StatusCancelled:
		return "This request was cancelled."
	case task.StatusFailed:
		reason := "an unexpected error"
		if t.Error != nil && *t.Error != "" {
			reason = *t.Error
		}
		return fmt.Sprintf("Sorry, I couldn't finish that request: %s", reason)
	}
	return "Still processing — please check back in a bit."
}

func formatCompleted(t *task.Task, endpoint string) string {
	var records []json.RawMessage
	if t.Result != nil {
		_ = json.Unmarshal([]byte(*t.Result), &records)
	}
	if len(records) == 0 {
		return fmt.Sprintf("%s The collection finished but returned no records.", resultMarker(endpoint))
	}

	body := ""
	if t.Result != nil {
		body = *t.Result
	}
	return fmt.Sprintf("%s Collected %d record(s):\n%s", resultMarker(endpoint), len(records), body)
}
