package store

// Data-map keys stamped onto a recovered job when a failed instance's
// in-flight fire is turned into a one-shot recovery trigger.
const (
	DataKeyFailedInstance   = "scheduler.recovery.failedInstance"
	DataKeyOriginalFireTime = "scheduler.recovery.originalFireTimeMs"
)

// RecoveryTriggerGroup is the trigger group recovery triggers are
// scheduled into.
const RecoveryTriggerGroup = "RECOVERING_JOBS"
