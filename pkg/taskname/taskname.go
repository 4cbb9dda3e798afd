package taskname

const (
	// Action tasks
	ActionRun = "action:run"

	// Scheduler tasks
	SchedulerExecute = "scheduler:execute"

	// Data tasks
	DataopsUpload = "dataops:upload"
)
