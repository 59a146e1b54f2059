package tcp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types on the wire.
const (
	frameCall uint8 = iota + 1
	frameCallAck
	framePing
	framePong
	frameGoAway
)

// maxFramePayload bounds a single frame payload. Anything larger is treated
// as a protocol violation.
const maxFramePayload = 16 * 1024 * 1024

// frame is the unit of exchange. The header is 9 bytes on the wire:
// type (1), id (4), payload length (4).
type frame struct {
	typ     uint8
	id      uint32
	payload []byte
}

// writeFrame writes one frame and flushes. The caller must serialize writers.
func writeFrame(w *bufio.Writer, f frame) error {
	var hdr [9]byte
	hdr[0] = f.typ
	binary.BigEndian.PutUint32(hdr[1:5], f.id)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(f.payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readFrame reads one frame. The caller must serialize readers.
func readFrame(r *bufio.Reader) (frame, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		typ: hdr[0],
		id:  binary.BigEndian.Uint32(hdr[1:5]),
	}
	size := binary.BigEndian.Uint32(hdr[5:9])
	if size > maxFramePayload {
		return frame{}, fmt.Errorf("frame payload %d exceeds limit", size)
	}
	if size > 0 {
		f.payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

// encodeCall packs a call request payload: two length-prefixed strings.
func encodeCall(method, authority string) []byte {
	b := make([]byte, 0, 4+len(method)+len(authority))
	b = appendString(b, method)
	b = appendString(b, authority)
	return b
}

// decodeCall unpacks a call request payload.
func decodeCall(b []byte) (method, authority string, err error) {
	method, b, err = readString(b)
	if err != nil {
		return "", "", err
	}
	authority, _, err = readString(b)
	if err != nil {
		return "", "", err
	}
	return method, authority, nil
}

// encodeAck packs a call acknowledgment: code (4) plus message bytes.
// Code 0 means success.
func encodeAck(code uint32, msg string) []byte {
	b := make([]byte, 4, 4+len(msg))
	binary.BigEndian.PutUint32(b, code)
	return append(b, msg...)
}

// decodeAck unpacks a call acknowledgment.
func decodeAck(b []byte) (code uint32, msg string, err error) {
	if len(b) < 4 {
		return 0, "", fmt.Errorf("ack payload too short: %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b[:4]), string(b[4:]), nil
}

// encodeGoAway packs a teardown notice: code (4) plus debug bytes.
func encodeGoAway(code uint32, debug string) []byte {
	b := make([]byte, 4, 4+len(debug))
	binary.BigEndian.PutUint32(b, code)
	return append(b, debug...)
}

// decodeGoAway unpacks a teardown notice.
func decodeGoAway(b []byte) (code uint32, debug string, err error) {
	if len(b) < 4 {
		return 0, "", fmt.Errorf("goaway payload too short: %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b[:4]), string(b[4:]), nil
}

func appendString(b []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	b = append(b, l[:]...)
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("truncated string header")
	}
	l := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < l {
		return "", nil, fmt.Errorf("truncated string body")
	}
	return string(b[:l]), b[l:], nil
}
