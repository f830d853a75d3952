package bpf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTarget_String(t *testing.T) {
	require.Equal(t, "main.handle", NewSymbolTarget("main.handle").String())
	require.Equal(t, "0x1a2b", NewOffsetTarget(0x1a2b).String())
}

func TestWatch_RejectsBadArguments(t *testing.T) {
	c := &Counter{logger: zaptest.NewLogger(t).Sugar()}

	_, err := c.Watch(context.Background(), "/bin/true", Target{}, 0, time.Second)
	require.ErrorIs(t, err, ErrEmptyTarget)

	_, err = c.Watch(context.Background(), "/bin/true", NewSymbolTarget("main"), 0, 0)
	require.ErrorIs(t, err, ErrBadWindow)
}

func TestObservation_Fired(t *testing.T) {
	require.False(t, (&Observation{}).Fired())
	require.True(t, (&Observation{Hits: 3}).Fired())
}
