package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame is one message on a tunnel stream.
type Frame struct {
	Type    FrameType
	Flags   uint8
	Payload []byte
}

// HasFlag reports whether flag is set.
func (f *Frame) HasFlag(flag uint8) bool {
	return f.Flags&flag != 0
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s flags=%#x len=%d", f.Type, f.Flags, len(f.Payload))
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, t FrameType, flags uint8, payload []byte) ([]byte, error) {
	if !t.Valid() {
		return dst, Errorf(KindProtocol, "frame.encode", "invalid frame type %#x", uint8(t))
	}
	if len(payload) > MaxPayloadSize {
		return dst, Errorf(KindProtocol, "frame.encode", "payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	dst = append(dst, Magic0, Magic1, Version, byte(t), flags)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame encodes a frame and writes it with a single Write call so a
// frame is never interleaved with another writer's bytes.
func WriteFrame(w io.Writer, t FrameType, flags uint8, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), t, flags, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. The payload is freshly allocated.
func ReadFrame(r io.Reader) (*Frame, error) {
	fr := NewFrameReader(r, nil)
	f, err := fr.Next()
	if err != nil {
		return nil, err
	}
	f.Payload = append([]byte(nil), f.Payload...)
	return &f, nil
}

// FrameReader decodes consecutive frames from one stream, reusing a single
// payload buffer.
type FrameReader struct {
	r   io.Reader
	hdr [HeaderSize]byte
	buf []byte
}

// NewFrameReader creates a reader. buf, if non-nil, is used as the payload
// buffer and must have capacity MaxPayloadSize to avoid reallocation.
func NewFrameReader(r io.Reader, buf []byte) *FrameReader {
	return &FrameReader{r: r, buf: buf}
}

// Next reads the next frame. Its Payload aliases the reader's buffer and is
// only valid until the following call. A clean end of stream before any
// header byte returns io.EOF.
func (fr *FrameReader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, NewError(KindProtocol, "frame.decode", err)
		}
		return Frame{}, err
	}

	h := fr.hdr
	if h[0] != Magic0 || h[1] != Magic1 {
		return Frame{}, Errorf(KindProtocol, "frame.decode", "bad magic %#x%02x", h[0], h[1])
	}
	if h[2] != Version {
		return Frame{}, Errorf(KindProtocol, "frame.decode", "unsupported version %d", h[2])
	}
	t := FrameType(h[3])
	if !t.Valid() {
		return Frame{}, Errorf(KindProtocol, "frame.decode", "invalid frame type %#x", h[3])
	}
	n := binary.BigEndian.Uint32(h[5:9])
	if n > MaxPayloadSize {
		return Frame{}, Errorf(KindProtocol, "frame.decode", "payload of %d bytes exceeds %d", n, MaxPayloadSize)
	}

	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	payload := fr.buf[:n]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, NewError(KindProtocol, "frame.decode", io.ErrUnexpectedEOF)
		}
		return Frame{}, err
	}
	return Frame{Type: t, Flags: h[4], Payload: payload}, nil
}

// Expect reads one frame and fails with a protocol error unless it has
// type want.
func Expect(r io.Reader, want FrameType) (*Frame, error) {
	f, err := ReadFrame(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, Errorf(KindProtocol, "frame.expect", "stream ended before %s", want)
		}
		return nil, err
	}
	if f.Type != want {
		return nil, Errorf(KindProtocol, "frame.expect", "got %s, want %s", f.Type, want)
	}
	return f, nil
}
