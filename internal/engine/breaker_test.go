package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthier-ai/maestro/pkg/schema"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 2; i++ {
		assert.NoError(t, r.Allow("agent:a1"))
		r.RecordFailure("agent:a1")
	}
	assert.Equal(t, BreakerClosed, r.State("agent:a1"))

	r.RecordFailure("agent:a1")
	assert.Equal(t, BreakerOpen, r.State("agent:a1"))

	err := r.Allow("agent:a1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
}

func TestBreaker_SuccessResets(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	r.RecordFailure("http:example.com")
	r.RecordSuccess("http:example.com")
	r.RecordFailure("http:example.com")

	// The success in between reset the consecutive counter.
	assert.Equal(t, BreakerClosed, r.State("http:example.com"))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("mcp:srv/tool")
	require.Error(t, r.Allow("mcp:srv/tool"))

	time.Sleep(20 * time.Millisecond)

	// First request after cooldown is the test request.
	assert.NoError(t, r.Allow("mcp:srv/tool"))

	// A second concurrent test request is rejected.
	err := r.Allow("mcp:srv/tool")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("agent:a1")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Allow("agent:a1"))

	r.RecordSuccess("agent:a1")
	assert.Equal(t, BreakerClosed, r.State("agent:a1"))
	assert.NoError(t, r.Allow("agent:a1"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("agent:a1")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Allow("agent:a1"))

	assert.Equal(t, BreakerOpen, r.RecordFailure("agent:a1"))
	require.Error(t, r.Allow("agent:a1"))
}

func TestBreaker_TargetsAreIndependent(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})

	r.RecordFailure("agent:bad")
	require.Error(t, r.Allow("agent:bad"))
	assert.NoError(t, r.Allow("agent:good"))
}
