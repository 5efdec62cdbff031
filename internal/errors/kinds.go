// Package errors provides structured error handling for motiondex.
//
// Every failure is classified by a Kind. Retry policy, HTTP status
// mapping, and user-visible messages are all derived from the kind,
// never from error strings or stack traces.
package errors

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindDecode indicates the input is not a parseable video.
	KindDecode Kind = "decode_error"
	// KindResource indicates insufficient memory or accelerator capacity.
	KindResource Kind = "resource_error"
	// KindEncoder indicates the encoder itself failed or crashed.
	KindEncoder Kind = "encoder_error"
	// KindIO indicates a file or network I/O failure.
	KindIO Kind = "io_error"
	// KindNotFound indicates a missing video, job, file, or record.
	KindNotFound Kind = "not_found"
	// KindTimeout indicates a deadline expired on an external call.
	KindTimeout Kind = "timeout"
	// KindConflict indicates a concurrent-write conflict on the metadata store.
	KindConflict Kind = "conflict"
	// KindCancelled indicates the operation was cancelled by the caller.
	KindCancelled Kind = "cancelled"
	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "internal"
)

// String returns the wire representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// valid reports whether k is one of the defined kinds.
func (k Kind) valid() bool {
	switch k {
	case KindDecode, KindResource, KindEncoder, KindIO, KindNotFound,
		KindTimeout, KindConflict, KindCancelled, KindInternal:
		return true
	}
	return false
}

// isRetryableKind reports whether operations failing with this kind may be
// retried. Decode and encoder failures are terminal: the same input will
// fail the same way. Conflicts are retried by the metadata store itself
// with a tighter bound, not by the pipeline backoff loop.
func isRetryableKind(k Kind) bool {
	switch k {
	case KindIO, KindTimeout, KindResource, KindConflict:
		return true
	default:
		return false
	}
}
