package session

import "time"

// Pipeline names.
const (
	PipelineBatchEnrichment = "batch_enrichment"
	PipelineCSVImport       = "csv_import"
	PipelineShelfScan       = "shelf_scan"
)

// Job statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// ThrottlePolicy bounds how often job state is persisted: a checkpoint fires
// when either threshold is reached since the last persist.
type ThrottlePolicy struct {
	UpdatesThreshold int64
	TimeThreshold    time.Duration
}

var throttlePolicies = map[string]ThrottlePolicy{
	PipelineBatchEnrichment: {UpdatesThreshold: 5, TimeThreshold: 10 * time.Second},
	PipelineCSVImport:       {UpdatesThreshold: 20, TimeThreshold: 30 * time.Second},
	PipelineShelfScan:       {UpdatesThreshold: 1, TimeThreshold: 60 * time.Second},
}

// PolicyFor returns the throttle policy for pipeline. Unknown pipelines get
// the most conservative policy in the table.
func PolicyFor(pipeline string) ThrottlePolicy {
	if p, ok := throttlePolicies[pipeline]; ok {
		return p
	}
	return ThrottlePolicy{UpdatesThreshold: 1, TimeThreshold: 60 * time.Second}
}

// ValidPipeline reports whether name is one of the known pipelines.
func ValidPipeline(name string) bool {
	_, ok := throttlePolicies[name]
	return ok
}

func terminalStatus(status string) bool {
	switch status {
	case StatusComplete, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
