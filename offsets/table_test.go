package offsets_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/uprobediag/offsets"
)

const goodTable = `{
  "version": 2,
  "mod_func2pc": {
    "/usr/bin/ceph-osd": {
      "OSD::dequeue_op": "0x7a3c10",
      "PrimaryLogPG::do_op": 8040704,
      "BlueStore::queue_transactions": "0x0",
      "OSD::ms_dispatch": "",
      "OSD::tick": null
    },
    "/usr/lib/librados.so.2": {}
  },
  "mod_func2vf": {
    "/usr/bin/ceph-osd": {"OSD::dequeue_op": {}, "PrimaryLogPG::do_op": {}}
  }
}`

func TestCheck(t *testing.T) {
	rep, err := offsets.Check(strings.NewReader(goodTable))
	require.NoError(t, err)

	require.Equal(t, "2", rep.Version)
	require.True(t, rep.HasFunc2PC)
	require.True(t, rep.HasFunc2VF)
	require.True(t, rep.HasValidOffsets)
	require.Equal(t, map[string]int{"/usr/bin/ceph-osd": 2}, rep.VariableInfo)

	require.Len(t, rep.Modules, 2)

	osd := rep.Modules[0]
	require.Equal(t, "/usr/bin/ceph-osd", osd.Module)
	require.Equal(t, 2, osd.Valid)
	require.Equal(t, 3, osd.Invalid)
	require.Equal(t, []offsets.FunctionOffset{
		{Function: "OSD::dequeue_op", Offset: "0x7a3c10"},
		{Function: "PrimaryLogPG::do_op", Offset: "8040704"},
	}, osd.Sample)
	require.Equal(t, []offsets.FunctionOffset{
		{Function: "BlueStore::queue_transactions", Offset: "0x0"},
		{Function: "OSD::ms_dispatch", Offset: ""},
		{Function: "OSD::tick", Offset: "null"},
	}, osd.InvalidFunctions)

	require.True(t, rep.Modules[1].Empty())
}

func TestCheck_AllZero(t *testing.T) {
	rep, err := offsets.Check(strings.NewReader(`{"mod_func2pc": {"/bin/app": {"main": 0, "run": "0", "stop": "0x0"}}}`))
	require.NoError(t, err)

	require.False(t, rep.HasValidOffsets)
	require.False(t, rep.HasFunc2VF)
	require.Empty(t, rep.Version)
	require.Equal(t, 3, rep.Modules[0].Invalid)
}

func TestCheck_Missing(t *testing.T) {
	rep, err := offsets.Check(strings.NewReader(`{"version": "1.0"}`))
	require.NoError(t, err)

	require.Equal(t, "1.0", rep.Version)
	require.False(t, rep.HasFunc2PC)
	require.False(t, rep.HasValidOffsets)
	require.Empty(t, rep.Modules)
}

func TestCheck_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "mod_func2pc"},
		{name: "array", input: `[1, 2]`},
		{name: "modules not an object", input: `{"mod_func2pc": ["a"]}`},
		{name: "functions not an object", input: `{"mod_func2pc": {"/bin/app": 12}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := offsets.Check(strings.NewReader(tt.input))
			require.ErrorIs(t, err, offsets.ErrMalformedTable)
		})
	}
}

func TestCheckFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dwarf.json")
	require.NoError(t, os.WriteFile(path, []byte(goodTable), 0o644))

	rep, err := offsets.CheckFile(path)
	require.NoError(t, err)
	require.True(t, rep.HasValidOffsets)

	_, err = offsets.CheckFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
