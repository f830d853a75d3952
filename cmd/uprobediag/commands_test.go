package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/uprobediag/bpf"
	"github.com/tcassar-diss/uprobediag/offsets"
)

func TestParseTarget(t *testing.T) {
	target, err := parseTarget("0x1a2b")
	require.NoError(t, err)
	require.Equal(t, bpf.NewOffsetTarget(0x1a2b), target)

	target, err = parseTarget("OSD::dequeue_op")
	require.NoError(t, err)
	require.Equal(t, bpf.NewSymbolTarget("OSD::dequeue_op"), target)

	_, err = parseTarget("0xzz")
	require.Error(t, err)
}

func TestWriteOffsets(t *testing.T) {
	rep, err := offsets.Check(strings.NewReader(`{"mod_func2pc": {"/bin/app": {"main": "0x0"}}}`))
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, writeOffsets(&b, rep))

	out := b.String()
	require.Contains(t, out, `invalid main: "0x0"`)
	require.Contains(t, out, "0 valid, 1 invalid")
	require.Contains(t, out, "no mod_func2vf in table")
	require.Contains(t, out, "table has no valid function offsets")
}
