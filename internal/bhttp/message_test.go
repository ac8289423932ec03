package bhttp

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeKnownLengthRequest(method, scheme, authority, path string, headers []Field, content []byte) []byte {
	var buf []byte
	buf = appendVarint(buf, framingKnownLengthRequest)
	buf = appendLengthPrefixed(buf, []byte(method))
	buf = appendLengthPrefixed(buf, []byte(scheme))
	buf = appendLengthPrefixed(buf, []byte(authority))
	buf = appendLengthPrefixed(buf, []byte(path))

	var headerSection []byte
	for _, f := range headers {
		headerSection = appendLengthPrefixed(headerSection, f.Name)
		headerSection = appendLengthPrefixed(headerSection, f.Value)
	}
	buf = appendVarint(buf, uint64(len(headerSection)))
	buf = append(buf, headerSection...)

	buf = appendVarint(buf, uint64(len(content)))
	buf = append(buf, content...)

	// empty known-length trailer section
	buf = appendVarint(buf, 0)

	return buf
}

func appendLengthPrefixed(buf, v []byte) []byte {
	buf = appendVarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func TestReadRequestKnownLength(t *testing.T) {
	wire := encodeKnownLengthRequest("GET", "https", "example.com", "/echo",
		[]Field{{Name: []byte("x-custom"), Value: []byte("1")}},
		[]byte("hello"),
	)

	msg, err := ReadRequest(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, KnownLength, msg.Mode)
	require.Equal(t, "GET", string(msg.Method))
	require.Equal(t, "/echo", string(msg.Path))
	require.Len(t, msg.Headers, 1)
	require.Equal(t, "x-custom", string(msg.Headers[0].Name))
	require.Equal(t, "hello", string(msg.Content))
}

func TestReadRequestEmptyMethodDefaultsHandledByCaller(t *testing.T) {
	wire := encodeKnownLengthRequest("", "", "", "/", nil, nil)

	msg, err := ReadRequest(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Empty(t, msg.Method)
	require.Equal(t, "/", string(msg.Path))
	require.Empty(t, msg.Content)
}

func TestReadRequestRejectsBadFramingIndicator(t *testing.T) {
	var buf []byte
	buf = appendVarint(buf, 99)

	_, err := ReadRequest(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadRequestTruncated(t *testing.T) {
	wire := encodeKnownLengthRequest("GET", "https", "example.com", "/echo", nil, []byte("hello"))
	_, err := ReadRequest(bytes.NewReader(wire[:len(wire)-3]))
	require.Error(t, err)
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x3f, 0x40, 0x3fff, 0x4000, 0x3fffffff, 0x40000000}
	for _, v := range values {
		buf := appendVarint(nil, v)
		got, err := readVarint(bufio.NewReader(bytes.NewReader(buf)))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}
