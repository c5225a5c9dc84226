// Package store persists threads, messages, and the append-only audit log.
// The relational schema is the system of record's; this core owns the
// ThreadState document and the audit log, and shares messages read-only with
// the front-ends.
package store

import (
	"context"
	"errors"
	"time"

	"triage/internal/state"
)

// ThreadStatus is the lifecycle state of a conversation.
type ThreadStatus string

const (
	StatusOpen          ThreadStatus = "open"
	StatusWaitingOnUser ThreadStatus = "waiting_on_user"
	StatusResolved      ThreadStatus = "resolved"
	StatusClosed        ThreadStatus = "closed"
)

// CanTransition applies the thread status state machine. Closed is terminal
// for core processing; operator actions may resolve or close from the two
// active states, and resolved threads can reopen.
func CanTransition(from, to ThreadStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusOpen:
		return to == StatusWaitingOnUser || to == StatusResolved || to == StatusClosed
	case StatusWaitingOnUser:
		return to == StatusOpen || to == StatusResolved || to == StatusClosed
	case StatusResolved:
		return to == StatusOpen || to == StatusClosed
	case StatusClosed:
		return false
	}
	return false
}

// SenderType distinguishes end users from the team side.
type SenderType string

const (
	SenderUser     SenderType = "user"
	SenderInternal SenderType = "internal"
)

// Visibility controls whether a message is shown to the end user.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// Thread is one conversation.
type Thread struct {
	ID             int64
	PublicID       string
	WorkspaceID    int64
	Title          string
	Status         ThreadStatus
	PrimarySource  string
	State          state.ThreadState
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// Message is one turn in a thread. Deleted messages are tombstoned, never
// removed, so (threadID, createdAt, id) keeps totally ordering the thread.
type Message struct {
	ID         int64
	PublicID   string
	ThreadID   int64
	Source     string
	SenderType SenderType
	SenderName string
	Visibility Visibility
	Text       string
	Metadata   map[string]any
	CreatedAt  time.Time
	EditedAt   *time.Time
	DeletedAt  *time.Time
}

// AuditEntry is one append-only record of a state-changing operation.
type AuditEntry struct {
	ID         int64
	EntityType string
	EntityID   int64
	Action     string
	Details    map[string]any
	CreatedAt  time.Time
}

// Audit actions written by the pipeline.
const (
	AuditThreadStateUpdated      = "threadstate_updated"
	AuditThreadStateUpdateFailed = "threadstate_update_failed"
	AuditThreadStatusChanged     = "thread_status_changed"
	AuditWorkItemEmitted         = "workitem_emitted"
	AuditWorkItemEmitFailed      = "workitem_emit_failed"
	AuditClosedThreadSkipped     = "closed_thread_skipped"
)

var (
	// ErrNotFound means the entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate means a unique public id was submitted twice.
	ErrDuplicate = errors.New("duplicate")
	// ErrConflict means an optimistic-concurrency check failed; reload and retry.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition means the status state machine rejected a change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence contract the pipeline runs against.
type Store interface {
	// GetOrCreateThread resolves a thread by its public id, creating it with
	// the given title and source when this is the first message.
	GetOrCreateThread(ctx context.Context, publicID, title, source string) (Thread, error)
	GetThread(ctx context.Context, id int64) (Thread, error)
	GetThreadByPublicID(ctx context.Context, publicID string) (Thread, error)

	// InsertMessage appends a message. ErrDuplicate when the public id was
	// already stored (idempotent ingress).
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	// ListMessages returns the live messages of a thread in
	// (createdAt ASC, id ASC) order.
	ListMessages(ctx context.Context, threadID int64) ([]Message, error)
	GetMessageByPublicID(ctx context.Context, publicID string) (Message, error)
	EditMessage(ctx context.Context, publicID, text string) error
	TombstoneMessage(ctx context.Context, publicID string) error

	// ApplyStateUpdate persists a new ThreadState, bumps updatedAt and
	// lastActivityAt, and appends the audit entry in one transaction.
	// Compare-and-set on expectedUpdatedAt; ErrConflict on clash.
	ApplyStateUpdate(ctx context.Context, threadID int64, next state.ThreadState, expectedUpdatedAt time.Time, auditAction string, details map[string]any) (Thread, error)

	// UpdateThreadStatus moves the thread through the state machine with a
	// compare-and-set on expectedUpdatedAt.
	UpdateThreadStatus(ctx context.Context, threadID int64, to ThreadStatus, expectedUpdatedAt time.Time) (Thread, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, entityType string, entityID int64) ([]AuditEntry, error)

	// Ping reports backend reachability for the readiness probe.
	Ping(ctx context.Context) error
}
