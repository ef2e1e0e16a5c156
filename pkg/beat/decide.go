package beat

import (
	"time"

	"github.com/quarryhq/quarry/internal/db"
)

const (
	// defaultRefreshFreq applies when a pair has no configured frequency.
	defaultRefreshFreq = 30 * time.Minute

	// failedRetryDelay is how soon a failed attempt is retried.
	failedRetryDelay = 5 * time.Minute
)

// Decision is the outcome of the should-index check for one
// (ccpair, search settings) unit.
type Decision struct {
	Should        bool
	FromBeginning bool
	Reason        string
}

// ShouldIndex decides whether a new indexing attempt is due. last is the
// most recent attempt for the unit, nil if none exists.
func ShouldIndex(pair db.CCPair, settings db.SearchSettings, last *db.IndexAttempt, now time.Time) Decision {
	// Manual triggers run regardless of pause or error state; REINDEX on the
	// primary index additionally restarts from the beginning.
	if pair.IndexingTrigger == db.TriggerReindex {
		return Decision{
			Should:        true,
			FromBeginning: settings.Status == db.SettingsPresent,
			Reason:        "reindex trigger",
		}
	}
	if pair.IndexingTrigger == db.TriggerUpdate {
		return Decision{Should: true, Reason: "update trigger"}
	}

	if pair.Status != db.CCPairActive {
		return Decision{Reason: "ccpair not active"}
	}
	if pair.InRepeatedErrorState {
		return Decision{Reason: "ccpair in repeated error state"}
	}

	if last != nil && !last.Status.Terminal() {
		return Decision{Reason: "attempt already in flight"}
	}

	// A FUTURE index builds from the beginning until its first success.
	if settings.Status == db.SettingsFuture {
		if last == nil {
			return Decision{Should: true, FromBeginning: true, Reason: "secondary index build"}
		}
		switch last.Status {
		case db.AttemptSuccess, db.AttemptPartialSuccess:
			return Decision{Reason: "secondary index already built"}
		default:
			return Decision{Should: true, FromBeginning: true, Reason: "secondary index retry"}
		}
	}

	if last == nil {
		return Decision{Should: true, Reason: "never indexed"}
	}

	switch last.Status {
	case db.AttemptFailed, db.AttemptCanceled:
		if now.Sub(last.TimeUpdated) >= failedRetryDelay {
			return Decision{Should: true, Reason: "retry after failure"}
		}
		return Decision{Reason: "failure retry delay"}
	}

	freq := defaultRefreshFreq
	if pair.RefreshFreqSeconds != nil {
		freq = time.Duration(*pair.RefreshFreqSeconds) * time.Second
	}
	lastRun := last.TimeUpdated
	if pair.LastSuccessfulIndexTime != nil && pair.LastSuccessfulIndexTime.After(lastRun) {
		lastRun = *pair.LastSuccessfulIndexTime
	}
	if now.Sub(lastRun) >= freq {
		return Decision{Should: true, Reason: "refresh due"}
	}
	return Decision{Reason: "refresh not due"}
}
