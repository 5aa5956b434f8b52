package domain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeKindRetryPolicy(t *testing.T) {
	// Only network-class outcomes go back to the queue; blocks feed the
	// cooldown tracker and extraction failures feed the learning layer.
	assert.True(t, OutcomeNetworkError.Kind().Transient())

	for _, o := range []Outcome{OutcomeOK, OutcomePartial, OutcomeBlocked, OutcomeCaptcha, OutcomeExtractionFailed} {
		assert.False(t, o.Kind().Transient(), string(o))
	}

	assert.Equal(t, KindBlock, OutcomeBlocked.Kind())
	assert.Equal(t, KindBlock, OutcomeCaptcha.Kind())
	assert.Equal(t, KindExtraction, OutcomeExtractionFailed.Kind())
	assert.Equal(t, KindUnknown, OutcomeOK.Kind())
}

func TestClassifySentinels(t *testing.T) {
	assert.Equal(t, KindNetwork, Classify(fmt.Errorf("navigate: %w", ErrNavTimeout)))
	assert.Equal(t, KindNetwork, Classify(ErrContextDone))
	assert.Equal(t, KindBrowser, Classify(fmt.Errorf("session: %w", ErrSessionCrashed)))
	assert.Equal(t, KindValidation, Classify(ErrInvalidRecord))
	assert.Equal(t, KindUnknown, Classify(nil))
	assert.Equal(t, KindUnknown, Classify(context.Canceled))

	assert.True(t, Classify(ErrSessionCrashed).Transient())
	assert.False(t, Classify(ErrInvalidRecord).Transient())
}
