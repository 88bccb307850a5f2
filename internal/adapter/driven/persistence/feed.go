package persistence

import (
	"sync"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Feed fans record changes out to per-receiver subscribers. Slow
// subscribers lose events rather than stall a write.
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[int]feedSub
}

type feedSub struct {
	receiver domain.UserID
	ch       chan domain.RecordEvent
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]feedSub)}
}

func (f *Feed) SubscribeRecords(receiver domain.UserID) (<-chan domain.RecordEvent, func()) {
	ch := make(chan domain.RecordEvent, 32)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = feedSub{receiver: receiver, ch: ch}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub.ch)
		}
	}
}

func (f *Feed) Publish(op domain.RecordOp, rec domain.CallRecord) {
	ev := domain.RecordEvent{Op: op, Record: rec}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.receiver != rec.ReceiverID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("receiver", rec.ReceiverID.String()).Str("op", string(op)).Msg("Record subscriber full, dropping event")
		}
	}
}
