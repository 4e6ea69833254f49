package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Frame codec
// ============================================================================

func TestFrameEncoding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameHeartbeat, FlagAck, nil))

	assert.Equal(t, []byte{'V', 'L', 1, 0x06, 0x02, 0, 0, 0, 0}, buf.Bytes())

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, f.Type)
	assert.True(t, f.HasFlag(FlagAck))
	assert.False(t, f.HasFlag(FlagEnd))
	assert.Empty(t, f.Payload)
}

func TestFrameReaderSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameDatagram, 0, []byte("first")))
	require.NoError(t, WriteFrame(&buf, FrameDatagram, FlagEnd, []byte("second!")))

	fr := NewFrameReader(&buf, make([]byte, 0, MaxPayloadSize))

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", string(f.Payload))

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "second!", string(f.Payload))
	assert.True(t, f.HasFlag(FlagEnd))

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameDecodeErrors(t *testing.T) {
	valid := func() []byte {
		b, err := AppendFrame(nil, FrameOpen, 0, []byte{1, 2, 3})
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[2] = 9; return b }},
		{"unknown type", func(b []byte) []byte { b[3] = 0x7f; return b }},
		{"oversized length", func(b []byte) []byte { b[5] = 0xff; return b }},
		{"truncated header", func(b []byte) []byte { return b[:4] }},
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.mutate(valid())))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestFrameEncodeLimits(t *testing.T) {
	_, err := AppendFrame(nil, FrameDatagram, 0, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = AppendFrame(nil, FrameType(0), 0, nil)
	assert.ErrorIs(t, err, ErrProtocol)

	b, err := AppendFrame(nil, FrameDatagram, 0, make([]byte, MaxPayloadSize))
	require.NoError(t, err)
	assert.Len(t, b, HeaderSize+MaxPayloadSize)
}

func TestExpect(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Open{Kind: StreamTCP, Target: "example.com:80"}, 0))

	_, err := Expect(bytes.NewReader(buf.Bytes()), FrameAuth)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "got OPEN, want AUTH")

	_, err = Expect(bytes.NewReader(nil), FrameAuth)
	assert.ErrorIs(t, err, ErrProtocol)

	f, err := Expect(&buf, FrameOpen)
	require.NoError(t, err)
	assert.Equal(t, FrameOpen, f.Type)
}

// ============================================================================
// Messages
// ============================================================================

func TestAuthMessage(t *testing.T) {
	body, err := Auth{Password: "s3cret pass"}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 11}, "s3cret pass"...), body)

	m, err := ParseAuth(body)
	require.NoError(t, err)
	assert.Equal(t, "s3cret pass", m.Password)

	_, err = ParseAuth([]byte{0, 5, 'a'})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = ParseAuth(append(body, 0))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = Auth{Password: strings.Repeat("x", 70000)}.MarshalBinary()
	assert.Error(t, err)
}

func TestResultMessage(t *testing.T) {
	r := Result{Type: FrameOpenResult, Status: StatusUpstreamUnreachable, Message: "connection refused"}
	body, err := r.MarshalBinary()
	require.NoError(t, err)

	back, err := ParseResult(FrameOpenResult, body)
	require.NoError(t, err)
	assert.Equal(t, r, back)

	rerr := back.Err()
	assert.ErrorIs(t, rerr, ErrUpstreamUnreachable)
	assert.NoError(t, Result{Status: StatusOK}.Err())

	_, err = ParseResult(FrameAuthResult, []byte{0})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestOpenMessage(t *testing.T) {
	tests := []struct {
		name    string
		open    Open
		wantErr bool
	}{
		{"tcp hostname", Open{StreamTCP, "example.com:443"}, false},
		{"udp ipv4", Open{StreamUDP, "1.1.1.1:53"}, false},
		{"ipv6", Open{StreamTCP, "[2001:db8::1]:8080"}, false},
		{"unknown kind", Open{StreamKind(9), "example.com:443"}, true},
		{"no port", Open{StreamTCP, "example.com"}, true},
		{"port zero", Open{StreamTCP, "example.com:0"}, true},
		{"port too big", Open{StreamTCP, "example.com:65536"}, true},
		{"empty host", Open{StreamTCP, ":80"}, true},
		{"long host", Open{StreamTCP, strings.Repeat("a", 256) + ":80"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := tt.open.MarshalBinary()
			require.NoError(t, err)

			got, err := ParseOpen(body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.open, got)
		})
	}
}

func TestCloseMessage(t *testing.T) {
	m, err := ParseClose(nil)
	require.NoError(t, err)
	assert.Empty(t, m.Reason)

	body, err := Close{Reason: "bye"}.MarshalBinary()
	require.NoError(t, err)
	m, err = ParseClose(body)
	require.NoError(t, err)
	assert.Equal(t, "bye", m.Reason)

	_, err = ParseClose([]byte{0xff})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWriteMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Result{Type: FrameAuthResult, Status: StatusOK}, 0))

	f, err := Expect(&buf, FrameAuthResult)
	require.NoError(t, err)
	r, err := ParseResult(f.Type, f.Payload)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, r.Status)
}

// ============================================================================
// Errors
// ============================================================================

func TestErrorKinds(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("stream 4: %w", NewError(KindUpstreamUnreachable, "relay.dial", base))

	assert.ErrorIs(t, err, ErrUpstreamUnreachable)
	assert.NotErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindUpstreamUnreachable, KindOf(err))
	assert.True(t, IsKind(err, KindUpstreamUnreachable))
	assert.Equal(t, "stream 4: relay.dial: UpstreamUnreachable: dial tcp: connection refused", err.Error())

	assert.Equal(t, KindConfig, KindOf(fmt.Errorf("load: %w", ErrConfig)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "AuthenticationError", (&Error{Kind: KindAuthentication}).Error())
	assert.Equal(t, "acceptor: AuthenticationError", (&Error{Kind: KindAuthentication, Op: "acceptor"}).Error())
	assert.Equal(t, "TransportError: reset", (&Error{Kind: KindTransport, Err: errors.New("reset")}).Error())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusOK, StatusFor(nil))
	assert.Equal(t, StatusResourceExhausted, StatusFor(NewError(KindResourceExhausted, "open", nil)))
	assert.Equal(t, StatusUpstreamUnreachable, StatusFor(ErrUpstreamUnreachable))
	assert.Equal(t, StatusAuthenticationError, StatusFor(ErrAuthentication))
	assert.Equal(t, StatusProtocolError, StatusFor(ErrTransport))
	assert.Equal(t, StatusProtocolError, StatusFor(errors.New("boom")))

	for _, s := range []Status{StatusResourceExhausted, StatusUpstreamUnreachable, StatusAuthenticationError, StatusProtocolError} {
		assert.Equal(t, s, StatusFor(NewError(s.Kind(), "x", nil)), s.String())
	}
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "OPEN_RESULT", FrameOpenResult.String())
	assert.Equal(t, "UNKNOWN", FrameType(0).String())
	assert.Equal(t, "udp", StreamUDP.Network())
	assert.Equal(t, "Unknown", Status(99).String())
	assert.Equal(t, "TransportError", KindTransport.String())
}
