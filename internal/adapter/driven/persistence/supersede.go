package persistence

import "github.com/Wyydra/duocall/internal/core/domain"

// Supersede is the patch that closes an open record when a newer call of
// the same pair is inserted. A ringing record was never answered; an active
// one lost its hangup and is closed without a measured duration.
func Supersede(status domain.CallStatus) domain.RecordPatch {
	if status == domain.StatusActive {
		zero := 0
		return domain.RecordPatch{Status: domain.StatusCompleted, DurationSeconds: &zero}
	}
	return domain.RecordPatch{Status: domain.StatusMissed}
}
