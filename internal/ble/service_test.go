//go:build linux

package ble

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/transfer"
)

type recorder struct {
	packets [][]byte
}

func (r *recorder) Write(p []byte) (int, error) {
	r.packets = append(r.packets, append([]byte(nil), p...))
	return len(p), nil
}

type sink struct {
	cmds  []transfer.Command
	auth  int
	downs int
	gaps  int
}

func (s *sink) Dispatch(c transfer.Command) error { s.cmds = append(s.cmds, c); return nil }
func (s *sink) OnAuth(bool)                       { s.auth++ }
func (s *sink) OnDisconnect()                     { s.downs++ }
func (s *sink) OnDiscontinuity()                  { s.gaps++ }

func newTestService() (*Service, *sink, *recorder) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	sk := &sink{}
	s := New(nil, sk, log)
	rec := &recorder{}
	s.out = rec
	return s, sk, rec
}

func TestSendRequiresConnection(t *testing.T) {
	s, _, _ := newTestService()
	if err := s.Send(transfer.CmdError, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() err = %v, want ErrNotConnected", err)
	}
}

func TestSessionOverPackets(t *testing.T) {
	s, sk, rec := newTestService()
	s.connect(bluetooth.Device{})
	if sk.auth != 1 {
		t.Fatalf("auth = %d", sk.auth)
	}

	s.handleWrite(link.EncodePacket(link.Frame{Seq: 0, Cmd: transfer.CmdVersionQuery, Frames: 1}))
	s.handleWrite(link.EncodePacket(link.Frame{Seq: 1, Cmd: transfer.CmdData, Frames: 2, Payload: []byte{1, 2, 3, 4}}))
	s.handleWrite(link.EncodePacket(link.Frame{Seq: 3, Cmd: transfer.CmdData, Frames: 1, Payload: []byte{5, 6, 7, 8}}))
	s.handleWrite([]byte{0})

	if len(sk.cmds) != 2 || sk.gaps != 1 {
		t.Fatalf("dispatched %d, gaps %d; want 2 and 1", len(sk.cmds), sk.gaps)
	}
	if c := sk.cmds[1]; c.Frames != 2 || !bytes.Equal(c.Payload, []byte{1, 2, 3, 4}) {
		t.Errorf("data command = %+v", c)
	}

	for _, cmd := range []transfer.Cmd{transfer.CmdVersionReply, transfer.CmdProgress} {
		if err := s.Send(cmd, []byte{9}); err != nil {
			t.Fatal(err)
		}
	}
	want := [][]byte{{0, 0x21, 1, 9}, {1, 0x24, 1, 9}}
	for i := range want {
		if !bytes.Equal(rec.packets[i], want[i]) {
			t.Errorf("packet %d = % X, want % X", i, rec.packets[i], want[i])
		}
	}

	s.disconnect()
	s.disconnect()
	if sk.downs != 1 {
		t.Errorf("disconnects reported = %d, want 1", sk.downs)
	}
}
