package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to downloading", StatusPending, StatusDownloading, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending skips to processing", StatusPending, StatusProcessing, false},
		{"pending skips to completed", StatusPending, StatusCompleted, false},

		{"downloading to processing", StatusDownloading, StatusProcessing, true},
		{"downloading to completed", StatusDownloading, StatusCompleted, true},
		{"downloading to cancelled", StatusDownloading, StatusCancelled, true},
		{"downloading to failed", StatusDownloading, StatusFailed, true},
		{"downloading rewinds for retry", StatusDownloading, StatusPending, true},

		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing rewinds for retry", StatusProcessing, StatusPending, true},
		{"processing not cancellable", StatusProcessing, StatusCancelled, false},

		{"completed is terminal", StatusCompleted, StatusPending, false},
		{"completed not cancellable", StatusCompleted, StatusCancelled, false},
		{"failed is terminal", StatusFailed, StatusDownloading, false},
		{"cancelled is terminal", StatusCancelled, StatusPending, false},

		{"self transition passes", StatusDownloading, StatusDownloading, true},
		{"terminal self transition passes", StatusCompleted, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusDownloading.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}
