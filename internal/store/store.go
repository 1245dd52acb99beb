package store

import (
	"context"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowStore is the definition-store collaborator. The engine only reads
// definitions and flips IsActive; Save and Delete exist for import tooling.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionStore is the durable log of workflow runs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	// CreateExecutionIfIdle inserts rec only when the workflow has no running
	// execution and none started within window. Reports whether it inserted.
	CreateExecutionIfIdle(ctx context.Context, rec *schema.ExecutionRecord, window time.Duration) (bool, error)
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	// UpdateExecution is a read-modify-write keyed by id. fn mutates the
	// freshly loaded record; the result is persisted and returned.
	UpdateExecution(ctx context.Context, id string, fn func(*schema.ExecutionRecord) error) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)
}
