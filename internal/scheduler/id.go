package scheduler

import "github.com/google/uuid"

// newRequestID mints ids for scheduler-originated (predicted) requests.
// Caller-submitted requests bring their own ids.
func newRequestID() string {
	return "pred_" + uuid.NewString()
}
