package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsRunFatal(t *testing.T) {
	assert.True(t, IsRunFatal(&SchemaResolutionError{Query: "q"}))
	assert.True(t, IsRunFatal(eris.Wrap(&RunFatalError{Reason: "x"}, "search: run")))
	assert.False(t, IsRunFatal(&ExtractionError{Entity: "e"}))
	assert.False(t, IsRunFatal(&DiscoveryPartialError{Requested: 10, Found: 4}))
	assert.False(t, IsRunFatal(context.Canceled))
	assert.False(t, IsRunFatal(nil))
}

func TestReason(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantReason    string
		wantRetryable bool
	}{
		{"schema", &SchemaResolutionError{Query: "q", Err: errors.New("bad")}, "could not understand the query; try rephrasing it", true},
		{"fatal", &RunFatalError{Reason: "no matching entities found", Retryable: true}, "no matching entities found", true},
		{"fatal not retryable", &RunFatalError{Reason: "invalid result schema"}, "invalid result schema", false},
		{"other", errors.New("boom"), "boom", true},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, retryable := Reason(tt.err)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantRetryable, retryable)
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	assert.ErrorIs(t, &ExtractionError{Err: cause}, cause)
	assert.ErrorIs(t, &SchemaResolutionError{Err: cause}, cause)
	assert.ErrorIs(t, &RunFatalError{Reason: "r", Err: cause}, cause)
	assert.Contains(t, (&DiscoveryPartialError{Requested: 10, Found: 4}).Error(), "4 of 10")
}
