package units

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []struct {
		u    Unit
		text string
	}{
		{CHAR, "a"},
		{BOOL, "1"},
		{INT8, "-128"},
		{INT16, "-2"},
		{INT32, "1"},
		{INT64, "-9000000000"},
		{UINT8, "255"},
		{UINT16, "30000"},
		{UINT32, "4000000000"},
		{UINT64, "18000000000000000000"},
		{FLOAT, "3.5"},
		{DOUBLE, "-2.5e10"},
	}
	for _, c := range cases {
		raw, err := Parse(c.u, c.text)
		require.NoError(t, err, c.u.String())
		require.Equal(t, int(Size(c.u)), len(raw))
		text, err := Format(c.u, raw)
		require.NoError(t, err)
		got, err := Parse(c.u, text)
		require.NoError(t, err)
		require.Equal(t, raw, got)
	}
}

func TestParseIntOverflowRejected(t *testing.T) {
	_, err := Parse(INT8, "200")
	require.Error(t, err)
}

func TestParseUintOverflowRejected(t *testing.T) {
	_, err := Parse(UINT8, "256")
	require.Error(t, err)
}

func TestScenarioConstWriteValues(t *testing.T) {
	// End-to-end scenario 2: INT16 length 3, values [1, -2, 30000]
	vals := []string{"1", "-2", "30000"}
	for _, v := range vals {
		raw, err := Parse(INT16, v)
		require.NoError(t, err)
		text, err := Format(INT16, raw)
		require.NoError(t, err)
		require.Equal(t, v, text)
	}
}
