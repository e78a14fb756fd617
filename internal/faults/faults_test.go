package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(Transientf("agent timed out")))
	assert.Equal(t, KindPermanent, Classify(Permanentf("bad input")))
	assert.Equal(t, KindCollaboratorUnavailable, Classify(Unavailable(errors.New("down"))))
	assert.Equal(t, KindUnknown, Classify(errors.New("who knows")))
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestClassifyWrapped(t *testing.T) {
	err := fmt.Errorf("handler: %w", Transientf("timeout"))
	assert.Equal(t, KindTransient, Classify(err))
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, Classify(fmt.Errorf("call: %w", context.Canceled)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transientf("timeout")))
	assert.False(t, Retryable(Permanentf("invalid")))
	assert.False(t, Retryable(Unavailable(errors.New("down"))))
	assert.False(t, Retryable(errors.New("unknown")))
}

func TestErrorTextPreserved(t *testing.T) {
	inner := errors.New("connection refused by agent-7")
	assert.Equal(t, inner.Error(), Transient(inner).Error())
	assert.True(t, errors.Is(Transient(inner), inner))
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Unavailable(nil))
}
