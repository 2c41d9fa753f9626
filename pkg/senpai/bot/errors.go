package bot

import "fmt"

// Service error codes. Stable identifiers callers can branch on.
const (
	CodeNotFound             = "NOT_FOUND"
	CodeCharacterNotFound    = "CHARACTER_NOT_FOUND"
	CodeTaskNotFound         = "TASK_NOT_FOUND"
	CodeInvalidCharacter     = "INVALID_CHARACTER"
	CodeInvalidPressureLevel = "INVALID_PRESSURE_LEVEL"
	CodeNoCommandInterpreted = "NO_COMMAND_INTERPRETED"
)

// ServiceError is a failure of an orchestration operation with a stable
// machine-readable code.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func serviceErrorf(code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}
