package port

import (
	"context"

	"github.com/Wyydra/duocall/internal/core/domain"
)

type CallRecordStore interface {
	Insert(ctx context.Context, caller, receiver domain.UserID, kind domain.CallKind) (domain.CallRecord, error)
	// UpdateLatest patches the newest record matching filter.
	UpdateLatest(ctx context.Context, filter domain.RecordFilter, patch domain.RecordPatch) (domain.CallRecord, error)
	List(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error)
}

type RecordFeed interface {
	SubscribeRecords(receiver domain.UserID) (<-chan domain.RecordEvent, func())
}

type UserDirectory interface {
	Lookup(ctx context.Context, id domain.UserID) (string, error)
}
