package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxRetries: 5, Base: 2 * time.Second, MaxDelay: 10 * time.Minute}

	tests := []struct {
		attempt int32
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{10, 10 * time.Minute}, // 1024s, capped
		{30, 10 * time.Minute},
		{0, 2 * time.Second}, // clamped to the first attempt
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}
