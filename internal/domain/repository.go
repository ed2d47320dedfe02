package domain

import (
	"context"
	"time"
)

// MessageRepository is the durable message table contract.
// UpdateStatus is a compare-and-swap against the status and revision of the
// given snapshot: it reports false without error when the stored row differs.
type MessageRepository interface {
	Insert(ctx context.Context, m Message) (Message, error)
	UpdateStatus(ctx context.Context, current Message, to MessageStatus, upd StatusUpdate) (bool, error)
	SelectDue(ctx context.Context, now time.Time, limit int) ([]Message, error)
	SelectByStatus(ctx context.Context, status MessageStatus, interfaceID string) ([]Message, error)
	SelectStuck(ctx context.Context, status MessageStatus, attemptedBefore time.Time) ([]Message, error)
	Get(ctx context.Context, id string) (Message, error)
	List(ctx context.Context, filter MessageFilter) ([]Message, error)
	CountByStatus(ctx context.Context) (map[MessageStatus]int, error)
}

type NodeRepository interface {
	Upsert(ctx context.Context, n Node) error
	Get(ctx context.Context, nodeID string) (Node, error)
	ListSortedByLastHeard(ctx context.Context) ([]Node, error)
}

type TelemetryRepository interface {
	Insert(ctx context.Context, s TelemetrySample) error
	ListByNode(ctx context.Context, nodeID string, limit int) ([]TelemetrySample, error)
}
