package wire

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadExactWriteAllRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = New(server).WriteAll([]byte("hello"))
	}()

	got, err := New(client).ReadExact(5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestCStringRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = New(server).WriteCString("nodeA")
	}()

	got, err := New(client).ReadCString(64)
	require.NoError(t, err)
	require.Equal(t, "nodeA", got)
}

func TestReadExactByTimesOut(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := New(client).ReadExactBy(time.Now().Add(10*time.Millisecond), 4)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestReadCStringByMalformedWithoutTerminator(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		_, _ = pw.Write([]byte("abc"))
		pw.Close()
	}()

	_, err := New(pr).ReadCString(2)
	require.ErrorIs(t, err, ErrMalformedString)
}
