package rediskey

import "fmt"

const (
	Prefix          = "ontask"
	WorkflowPrefix  = "ontask:workflow"
	SchedulePrefix  = "ontask:schedule"
	CanvasTokenPref = "ontask:canvas_token"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildWorkflowLockKey returns "ontask:workflow:{workflowID}"
func BuildWorkflowLockKey(workflowID int64) string {
	return NamespaceKey(WorkflowPrefix, fmt.Sprint(workflowID))
}

// BuildScheduleLockKey returns "ontask:schedule:{operationID}"
func BuildScheduleLockKey(operationID int64) string {
	return NamespaceKey(SchedulePrefix, fmt.Sprint(operationID))
}

// BuildCanvasRefreshKey returns "ontask:canvas_token:{userID}:{instance}"
func BuildCanvasRefreshKey(userID int64, instance string) string {
	return NamespaceKey(CanvasTokenPref, fmt.Sprintf("%d:%s", userID, instance))
}
