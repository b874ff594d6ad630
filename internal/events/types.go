// Package events provides event types and utilities for the daemon's event system.
package events

// Event types for jobs
const (
	JobStateChanged = "job.state_changed"
	JobFinished     = "job.finished"
)

// Event types for approvals
const (
	ApprovalRequired = "approval.required"
	ApprovalResolved = "approval.resolved"
)

// Event types for threads
const (
	ThreadUpdated = "thread.updated"
)

// Event types for the agent process
const (
	AgentExited = "agent.exited"
)

// BuildJobFinishedSubject creates a job finished subject for a specific job
func BuildJobFinishedSubject(jobID string) string {
	return JobFinished + "." + jobID
}

// BuildJobFinishedWildcardSubject creates a wildcard subscription for all job finished events
func BuildJobFinishedWildcardSubject() string {
	return JobFinished + ".*"
}

// BuildApprovalRequiredSubject creates an approval required subject for a specific job
func BuildApprovalRequiredSubject(jobID string) string {
	return ApprovalRequired + "." + jobID
}

// BuildApprovalRequiredWildcardSubject creates a wildcard subscription for all approval required events
func BuildApprovalRequiredWildcardSubject() string {
	return ApprovalRequired + ".*"
}

// BuildThreadUpdatedSubject creates a thread updated subject for a specific thread
func BuildThreadUpdatedSubject(threadID string) string {
	return ThreadUpdated + "." + threadID
}

// BuildThreadUpdatedWildcardSubject creates a wildcard subscription for all thread updated events
func BuildThreadUpdatedWildcardSubject() string {
	return ThreadUpdated + ".*"
}
