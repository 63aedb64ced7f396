package workflow

import "strings"

// asyncAcceptMarkers are body fragments some workflow engines send with a
// non-2xx status when the webhook answered before the run produced output.
var asyncAcceptMarkers = []string{
	"no item to return",
	"workflow was started",
}

// IsAsyncAcceptResponse reports whether a non-2xx reply body means the
// workflow accepted the job and will report back through the callback.
func IsAsyncAcceptResponse(body string) bool {
	normalized := strings.ToLower(body)
	for _, marker := range asyncAcceptMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}
