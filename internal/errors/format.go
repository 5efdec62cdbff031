package errors

import (
	"fmt"
	"sort"
	"strings"
)

// FormatForCLI formats an error for terminal output.
// Classified errors print their kind and details; everything else
// prints as-is.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	var me *Error
	if !As(err, &me) {
		return fmt.Sprintf("Error: %s", err.Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s [%s]", me.Message, me.Kind))

	if len(me.Details) > 0 {
		keys := make([]string, 0, len(me.Details))
		for k := range me.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("\n  %s: %s", k, me.Details[k]))
		}
	}

	return sb.String()
}
