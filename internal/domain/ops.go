package domain

// Operational event codes counted over sliding windows by the monitor.
const (
	OpsIntakeValidationError = "api_intake_validation_error"
	OpsIntakeDuplicate       = "api_intake_duplicate"
)
