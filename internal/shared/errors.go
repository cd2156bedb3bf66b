package shared

import "errors"

// Error classes shared by the store, transcript, catalog and task layers.
// Callers wrap them with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrNotFound marks a referenced task id or file that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable marks a settings-store or disk failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNetworkUnavailable marks a failed catalog or provider fetch.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrInvalidConfiguration marks a missing required provider field.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrCancellationTimeout marks an abort that did not finish within the bounded wait.
	ErrCancellationTimeout = errors.New("cancellation timeout")
)

// UserMessage returns the text shown to the user for err, with secrets scrubbed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
