package faults

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxSimpleRetries:   3,
		MaxModifiedRetries: 2,
		BaseDelay:          100 * time.Millisecond,
		ModifiedDelay:      200 * time.Millisecond,
		Jitter:             false,
	}
}

func TestDetermineRecovery_RetryAsIsUnderCeiling(t *testing.T) {
	c := Classification{SuggestedAction: ActionRetryAsIs}
	s := DetermineRecovery(c, 1, testRetryConfig())
	assert.Equal(t, RecoveryRetryAsIs, s.Type)
	assert.Equal(t, 100*time.Millisecond, s.Delay)
}

func TestDetermineRecovery_RetryAsIsAtCeilingEscalates(t *testing.T) {
	c := Classification{SuggestedAction: ActionRetryAsIs}
	s := DetermineRecovery(c, 3, testRetryConfig())
	assert.Equal(t, RecoveryReplanFromCheckpoint, s.Type)
}

func TestDetermineRecovery_ModifiedRetryCarriesParams(t *testing.T) {
	c := Classification{SuggestedAction: ActionRetryModified}
	s := DetermineRecovery(c, 1, testRetryConfig())
	assert.Equal(t, RecoveryRetryWithParams, s.Type)
	assert.Equal(t, 200*time.Millisecond, s.Delay)
	assert.NotEmpty(t, s.Params)
}

func TestDetermineRecovery_ModifiedCeilingEscalates(t *testing.T) {
	c := Classification{SuggestedAction: ActionRetryModified}
	s := DetermineRecovery(c, 2, testRetryConfig())
	assert.Equal(t, RecoveryReplanFromCheckpoint, s.Type)
}

func TestDetermineRecovery_DirectActions(t *testing.T) {
	assert.Equal(t, RecoveryReplanFromCheckpoint,
		DetermineRecovery(Classification{SuggestedAction: ActionReplan}, 0, testRetryConfig()).Type)
	assert.Equal(t, RecoverySkipOptional,
		DetermineRecovery(Classification{SuggestedAction: ActionSkip}, 0, testRetryConfig()).Type)
	assert.Equal(t, RecoveryHalt,
		DetermineRecovery(Classification{SuggestedAction: ActionHalt}, 0, testRetryConfig()).Type)
}

func TestDetermineRecovery_UnknownActionDefaultsToHalt(t *testing.T) {
	s := DetermineRecovery(Classification{SuggestedAction: ActionHint("mystery")}, 0, testRetryConfig())
	assert.Equal(t, RecoveryHalt, s.Type)
}

func TestApplyJitter_StaysPositiveAndBounded(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := applyJitter(base, true)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, base+base/5)
	}
	assert.Equal(t, base, applyJitter(base, false))
}
