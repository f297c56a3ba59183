// Package link carries protocol commands between peer and device. Stream
// links (UART, pipes, TCP) use length-prefixed frames; packet links (BLE
// characteristic writes) carry one frame per packet without a length.
//
// Every frame has a sequence number so the receiver can report a lost frame
// as a discontinuity instead of silently writing a gap into the image.
package link

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/transfer"
)

const (
	// MaxPayload is the largest payload a stream frame can carry.
	MaxPayload = 0xFFFF

	streamHeader = 5
	packetHeader = 3
)

var ErrShortFrame = errors.New("link: short frame")

// Frame is one protocol command on the wire.
//
//	stream: seq u8 | cmd u8 | frames u8 | len u16 LE | payload
//	packet: seq u8 | cmd u8 | frames u8 | payload
type Frame struct {
	Seq     uint8
	Cmd     transfer.Cmd
	Frames  uint8
	Payload []byte
}

func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return errors.Errorf("link: payload of %d bytes", len(f.Payload))
	}
	b := make([]byte, streamHeader+len(f.Payload))
	b[0] = f.Seq
	b[1] = byte(f.Cmd)
	b[2] = f.Frames
	binary.LittleEndian.PutUint16(b[3:], uint16(len(f.Payload)))
	copy(b[streamHeader:], f.Payload)
	_, err := w.Write(b)
	return err
}

func ReadFrame(r io.Reader) (Frame, error) {
	var h [streamHeader]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{Seq: h[0], Cmd: transfer.Cmd(h[1]), Frames: h[2]}
	if n := binary.LittleEndian.Uint16(h[3:]); n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, errors.Wrap(noEOF(err), "link: payload")
		}
	}
	return f, nil
}

// noEOF turns a clean EOF inside a frame into ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func EncodePacket(f Frame) []byte {
	b := make([]byte, packetHeader+len(f.Payload))
	b[0] = f.Seq
	b[1] = byte(f.Cmd)
	b[2] = f.Frames
	copy(b[packetHeader:], f.Payload)
	return b
}

func DecodePacket(b []byte) (Frame, error) {
	if len(b) < packetHeader {
		return Frame{}, errors.Wrapf(ErrShortFrame, "%d bytes", len(b))
	}
	return Frame{
		Seq:     b[0],
		Cmd:     transfer.Cmd(b[1]),
		Frames:  b[2],
		Payload: append([]byte(nil), b[packetHeader:]...),
	}, nil
}
