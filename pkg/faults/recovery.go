package faults

import (
	"math/rand"
	"time"
)

// RecoveryType is the concrete action the orchestrator will take.
type RecoveryType string

const (
	RecoveryRetryAsIs            RecoveryType = "RETRY_AS_IS"
	RecoveryRetryWithParams      RecoveryType = "RETRY_WITH_PARAMS"
	RecoveryReplanFromCheckpoint RecoveryType = "REPLAN_FROM_CHECKPOINT"
	RecoverySkipOptional         RecoveryType = "SKIP_OPTIONAL"
	RecoveryHalt                 RecoveryType = "HALT"
)

// Strategy is the selected response to a classified failure.
type Strategy struct {
	Type   RecoveryType
	Params map[string]string
	Delay  time.Duration
}

// RetryConfig holds the configurable ceilings and delays recovery selection
// applies per action.
type RetryConfig struct {
	// MaxSimpleRetries caps RETRY_AS_IS attempts per entity.
	MaxSimpleRetries int
	// MaxModifiedRetries caps RETRY_WITH_PARAMS attempts per entity.
	MaxModifiedRetries int
	// BaseDelay is the delay before a simple retry.
	BaseDelay time.Duration
	// ModifiedDelay is the delay before a modified retry.
	ModifiedDelay time.Duration
	// Jitter adds up to 10% random skew so retries do not synchronize.
	Jitter bool
}

// DefaultRetryConfig provides reasonable ceilings for subtask recovery.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxSimpleRetries:   3,
	MaxModifiedRetries: 2,
	BaseDelay:          500 * time.Millisecond,
	ModifiedDelay:      2 * time.Second,
	Jitter:             true,
}

// DetermineRecovery turns a classification plus the entity's attempt count
// into a concrete strategy, applying retry ceilings and backoff delays.
// Actions without an explicit rule default to halt.
func DetermineRecovery(c Classification, attempts int, cfg RetryConfig) Strategy {
	switch c.SuggestedAction {
	case ActionRetryAsIs:
		if attempts >= cfg.MaxSimpleRetries {
			return Strategy{Type: RecoveryReplanFromCheckpoint}
		}
		return Strategy{
			Type:  RecoveryRetryAsIs,
			Delay: applyJitter(cfg.BaseDelay, cfg.Jitter),
		}

	case ActionRetryModified:
		if attempts >= cfg.MaxModifiedRetries {
			return Strategy{Type: RecoveryReplanFromCheckpoint}
		}
		return Strategy{
			Type:  RecoveryRetryWithParams,
			Delay: applyJitter(cfg.ModifiedDelay, cfg.Jitter),
			Params: map[string]string{
				"attempt_hint": "previous attempt failed, vary approach",
			},
		}

	case ActionReplan:
		return Strategy{Type: RecoveryReplanFromCheckpoint}

	case ActionSkip:
		return Strategy{Type: RecoverySkipOptional}

	case ActionHalt:
		return Strategy{Type: RecoveryHalt}

	default:
		return Strategy{Type: RecoveryHalt}
	}
}

// applyJitter skews a delay by up to ±10% to prevent synchronized retries.
func applyJitter(delay time.Duration, jitter bool) time.Duration {
	if !jitter || delay <= 0 {
		return delay
	}
	skew := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10 //nolint:gosec // Jitter, not crypto
	result := delay + skew
	if result < 0 {
		return delay
	}
	return result
}
