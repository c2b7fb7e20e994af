// Package types provides shared data types, interfaces, and errors for the
// navigation runtime: tasks, identities, proxies, sessions, detections, and
// the error taxonomy that every component reports through.
package types

import "errors"

// Sentinel errors for consistent error handling across the runtime.
// These can be checked with errors.Is() for type-safe handling.
var (
	// Rate limiter errors
	ErrRateLimited = errors.New("rate limited: backoff window active or window budget exhausted")

	// Detection / blocking errors
	ErrBlocked = errors.New("blocked: detection aggregator observed a block or captcha signal")

	// Network errors
	ErrTransientNetwork = errors.New("transient network error")

	// Navigation errors
	ErrNavigationFailed = errors.New("navigation failed")
	ErrExtractionFailed = errors.New("extraction failed")

	// Input validation
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidURL   = errors.New("invalid url")

	// Pool exhaustion
	ErrPoolExhausted = errors.New("pool exhausted: no capacity available")

	// Configuration
	ErrConfigurationError = errors.New("configuration error")

	// Session errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrTooManySessions      = errors.New("maximum number of sessions reached")
	ErrSessionInUse         = errors.New("session is currently in use")
	ErrSessionClosed        = errors.New("session is closed")

	// Proxy errors
	ErrProxyNotFound  = errors.New("proxy not found")
	ErrNoProxies      = errors.New("no proxies available in pool")
	ErrInvalidProxy   = errors.New("invalid proxy descriptor")
	ErrProxyDuplicate = errors.New("proxy already present in pool")

	// Queue errors
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrTaskNotFound  = errors.New("task not found")
	ErrQueuePaused   = errors.New("queue is paused")
	ErrQueueClosed   = errors.New("queue is closed")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// ErrorKind is the stable taxonomy used by the worker loop to decide
// retry vs terminal behavior (§7 of the error handling design).
type ErrorKind string

const (
	KindRateLimited        ErrorKind = "rateLimited"
	KindBlocked            ErrorKind = "blocked"
	KindTransientNetwork   ErrorKind = "transientNetwork"
	KindNavigationFailed   ErrorKind = "navigationFailed"
	KindExtractionFailed   ErrorKind = "extractionFailed"
	KindInvalidInput       ErrorKind = "invalidInput"
	KindPoolExhausted      ErrorKind = "poolExhausted"
	KindConfigurationError ErrorKind = "configurationError"
)

// Recoverable reports whether a worker should retry a task that failed
// with this error kind, per the policy table.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindRateLimited, KindBlocked, KindTransientNetwork, KindNavigationFailed, KindPoolExhausted:
		return true
	default:
		return false
	}
}

// TaskError carries enough context to reproduce a task failure: the task,
// url, session, and proxy involved, plus the underlying cause.
type TaskError struct {
	Kind      ErrorKind
	TaskID    string
	URL       string
	SessionID string
	ProxyHost string
	Err       error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	msg := string(e.Kind) + ": task=" + e.TaskID + " url=" + e.URL
	if e.SessionID != "" {
		msg += " session=" + e.SessionID
	}
	if e.ProxyHost != "" {
		msg += " proxy=" + e.ProxyHost
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError builds a TaskError with the given context.
func NewTaskError(kind ErrorKind, taskID, url, sessionID, proxyHost string, cause error) *TaskError {
	return &TaskError{
		Kind:      kind,
		TaskID:    taskID,
		URL:       url,
		SessionID: sessionID,
		ProxyHost: proxyHost,
		Err:       cause,
	}
}

// PoolError reports a failure to acquire or manage a bounded resource pool
// (session pool or proxy pool).
type PoolError struct {
	Pool      string // "session" or "proxy"
	Operation string
	Message   string
	Err       error
}

func (e *PoolError) Error() string { return e.Pool + " pool " + e.Operation + ": " + e.Message }
func (e *PoolError) Unwrap() error { return e.Err }

// NewPoolAcquireError creates an error for pool acquisition failures.
func NewPoolAcquireError(pool, reason string, err error) *PoolError {
	return &PoolError{Pool: pool, Operation: "acquire", Message: reason, Err: err}
}
