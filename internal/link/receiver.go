package link

import (
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/transfer"
)

// Sink consumes what a link receives. *transfer.Machine implements it.
type Sink interface {
	Dispatch(c transfer.Command) error
	OnAuth(ok bool)
	OnDisconnect()
	OnDiscontinuity()
}

// Receiver checks frame sequence numbers and hands frames to a Sink. A frame
// out of sequence is dropped and reported as a discontinuity; the sequence
// then resynchronizes on it.
type Receiver struct {
	sink   Sink
	log    logrus.FieldLogger
	next   uint8
	synced bool
}

func NewReceiver(sink Sink, log logrus.FieldLogger) *Receiver {
	return &Receiver{sink: sink, log: log}
}

// Reset forgets the sequence, as on a new connection.
func (r *Receiver) Reset() { r.synced = false }

func (r *Receiver) Handle(f Frame) {
	if r.synced && f.Seq != r.next {
		r.log.WithFields(logrus.Fields{
			"want": r.next,
			"got":  f.Seq,
			"cmd":  f.Cmd,
		}).Warn("frame sequence gap")
		r.next = f.Seq + 1
		r.sink.OnDiscontinuity()
		return
	}
	r.synced = true
	r.next = f.Seq + 1
	if err := r.sink.Dispatch(transfer.Command{Code: f.Cmd, Frames: f.Frames, Payload: f.Payload}); err != nil {
		r.log.WithError(err).WithField("cmd", f.Cmd).Warn("dropping command")
	}
}
