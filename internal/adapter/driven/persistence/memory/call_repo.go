package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/adapter/driven/persistence"
	"github.com/Wyydra/duocall/internal/core/domain"
)

// CallRepository keeps call records and the user directory in memory.
type CallRepository struct {
	*persistence.Feed

	mu      sync.RWMutex
	records []domain.CallRecord
	users   map[domain.UserID]string
	now     func() time.Time
}

func NewCallRepository(users map[domain.UserID]string) *CallRepository {
	r := &CallRepository{
		Feed:  persistence.NewFeed(),
		users: make(map[domain.UserID]string, len(users)),
		now:   time.Now,
	}
	for id, name := range users {
		r.users[id] = name
	}
	return r
}

// Insert adds a ringing record. Any record of the same pair still open is
// closed first so the pair never has two open records.
func (r *CallRepository) Insert(ctx context.Context, caller, receiver domain.UserID, kind domain.CallKind) (domain.CallRecord, error) {
	rec, err := domain.NewCallRecord(caller, receiver, kind, r.now())
	if err != nil {
		return domain.CallRecord{}, err
	}

	r.mu.Lock()
	var closed []domain.CallRecord
	for i := range r.records {
		old := &r.records[i]
		if old.CallerID != caller || old.ReceiverID != receiver || !old.Status.Open() {
			continue
		}
		if err := old.Apply(persistence.Supersede(old.Status)); err != nil {
			r.mu.Unlock()
			return domain.CallRecord{}, err
		}
		closed = append(closed, *old)
	}
	r.records = append(r.records, *rec)
	r.mu.Unlock()

	for _, old := range closed {
		r.Publish(domain.RecordUpdated, old)
	}
	r.Publish(domain.RecordInserted, *rec)
	return *rec, nil
}

func (r *CallRepository) UpdateLatest(ctx context.Context, f domain.RecordFilter, p domain.RecordPatch) (domain.CallRecord, error) {
	r.mu.Lock()
	var updated *domain.CallRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := &r.records[i]
		if rec.CallerID != f.CallerID || rec.ReceiverID != f.ReceiverID {
			continue
		}
		if err := rec.Apply(p); err != nil {
			r.mu.Unlock()
			return domain.CallRecord{}, err
		}
		updated = rec
		break
	}
	if updated == nil {
		r.mu.Unlock()
		return domain.CallRecord{}, fmt.Errorf("%w: %s -> %s", domain.ErrRecordNotFound, f.CallerID, f.ReceiverID)
	}
	out := *updated
	r.mu.Unlock()

	r.Publish(domain.RecordUpdated, out)
	return out, nil
}

// List returns the records user took part in, newest first.
func (r *CallRepository) List(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.CallRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.CallerID != user && rec.ReceiverID != user {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *CallRepository) Lookup(ctx context.Context, id domain.UserID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.users[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	return name, nil
}
