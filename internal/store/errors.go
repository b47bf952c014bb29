package store

// StoreError is a sentinel error type for storage-level failures.
type StoreError string

func (e StoreError) Error() string { return string(e) }

const (
	// ErrNotFound signals a missing record.
	ErrNotFound StoreError = "record not found"
	// ErrAlreadyAssigned signals that a chat already has an agent; used as
	// the idempotent re-delivery guard for assignment jobs.
	ErrAlreadyAssigned StoreError = "chat already assigned to an agent"
	// ErrCapacityConflict signals that an agent's capacity changed between
	// selection and commit. Retryable.
	ErrCapacityConflict StoreError = "agent capacity changed during assignment"
	// ErrChatNotClaimable signals that the chat left the claimable state
	// before the mutation applied (race with manual assignment or close).
	ErrChatNotClaimable StoreError = "chat is no longer claimable"
	// ErrInvalidTransition signals a non-monotonic message status change.
	ErrInvalidTransition StoreError = "invalid message status transition"
)
