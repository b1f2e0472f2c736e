package app

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatchSignals(t *testing.T) {
	tests := map[string]struct {
		signals           []os.Signal
		expectedCancelled bool
		expectedExitCode  int
	}{
		"no signal": {
			expectedExitCode: -1,
		},
		"first signal cancels": {
			signals:           []os.Signal{syscall.SIGTERM},
			expectedCancelled: true,
			expectedExitCode:  -1,
		},
		"second signal exits": {
			signals:           []os.Signal{syscall.SIGTERM, syscall.SIGINT},
			expectedCancelled: true,
			expectedExitCode:  1,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			signals := make(chan os.Signal, len(tc.signals))
			for _, sig := range tc.signals {
				signals <- sig
			}
			close(signals)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			exitCode := -1
			watchSignals(signals, cancel, func(code int) { exitCode = code })

			assert.Equal(t, tc.expectedCancelled, ctx.Err() != nil)
			assert.Equal(t, tc.expectedExitCode, exitCode)
		})
	}
}
