package persist

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	g := Graph{
		Nodes: []NodeEntry{
			{Path: "/p/src", Name: "src"},
			{Path: "/p/snk", Name: "snk"},
		},
		Connections: []ConnectionEntry{
			{InNode: "snk", InPipe: "y", OutNode: "src", OutPipe: "x"},
		},
		Consts: []ConstEntry{
			{Node: "src", Pipe: "k", Payload: []byte{1, 0, 254, 255, 48, 117}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, g))

	got, err := Load(&buf)
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestSaveLoadEmptyGraph(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, Graph{}))

	got, err := Load(&buf)
	require.NoError(t, err)
	require.Equal(t, Graph{}, got)
}

func TestLoadConstPayloadContainingNewlineByte(t *testing.T) {
	g := Graph{
		Consts: []ConstEntry{
			{Node: "src", Pipe: "k", Payload: []byte{0x0A, 0x00, 0x0A}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, g))

	got, err := Load(&buf)
	require.NoError(t, err)
	require.Equal(t, g.Consts, got.Consts)
}
