package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth errors
// 13000-13999: Run & Sandbox errors
// 14000-14999: Snapshot & Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Auth Errors (11000-11999) ==========
	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Run & Sandbox Errors (13000-13999) ==========

	// Run (13000-13099)
	RunNotFound          ErrorCode = 13000
	RunCreateFailed      ErrorCode = 13001
	ProjectNotFound      ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	InvalidTransition    ErrorCode = 13004
	RunAlreadyFinished   ErrorCode = 13005

	// Sandbox (13100-13199)
	SandboxSystemError  ErrorCode = 13101
	EntrypointNotFound  ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	RuntimeNotInstalled ErrorCode = 13105
	OutputLimitExceeded ErrorCode = 13106
	RunKilled           ErrorCode = 13107

	// ========== Snapshot & Queue Errors (14000-14999) ==========

	// Snapshot (14000-14099)
	SnapshotCorrupt     ErrorCode = 14000
	SnapshotExpired     ErrorCode = 14001
	SnapshotExists      ErrorCode = 14002
	SnapshotWriteFailed ErrorCode = 14003
	InvalidSnapshotPath ErrorCode = 14004

	// Queue (14100-14199)
	QueueError     ErrorCode = 14100
	MalformedJob   ErrorCode = 14101
	QueueFull      ErrorCode = 14102
	PublishFailed  ErrorCode = 14103
	BroadcastError ErrorCode = 14104
)

var errorMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Request timeout",

	DatabaseError:       "Database error",
	RecordNotFound:      "Record not found",
	RecordAlreadyExists: "Record already exists",

	CacheError:     "Cache error",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	RunNotFound:          "Run not found",
	RunCreateFailed:      "Failed to create run",
	ProjectNotFound:      "Project not found",
	LanguageNotSupported: "Programming language not supported",
	InvalidTransition:    "Invalid run status transition",
	RunAlreadyFinished:   "Run has already finished",

	SandboxSystemError:  "Sandbox system error",
	EntrypointNotFound:  "Entrypoint not found",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	RuntimeNotInstalled: "Language runtime not installed",
	OutputLimitExceeded: "Output limit exceeded",
	RunKilled:           "Run was killed",

	SnapshotCorrupt:     "Snapshot is corrupt",
	SnapshotExpired:     "Snapshot expired or missing",
	SnapshotExists:      "Snapshot already exists",
	SnapshotWriteFailed: "Failed to store snapshot",
	InvalidSnapshotPath: "Invalid file path in snapshot",

	QueueError:     "Queue error",
	MalformedJob:   "Malformed job message",
	QueueFull:      "Run queue is full, please try again later",
	PublishFailed:  "Failed to publish message",
	BroadcastError: "Failed to broadcast event",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == RunNotFound, c == ProjectNotFound:
		return 404
	case c == InvalidTransition, c == RunAlreadyFinished, c == RecordAlreadyExists:
		return 409
	case c == TooManyRequests, c == QueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == InvalidSnapshotPath:
		return 400
	default:
		return 500
	}
}
