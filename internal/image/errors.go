package image

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidParam      = errors.New("image: invalid parameter")
	ErrInvalidSize       = errors.New("image: invalid image size")
	ErrOversizedChunk    = errors.New("image: chunk larger than staging buffer")
	ErrOverflow          = errors.New("image: write past declared length")
	ErrWriteFault        = errors.New("image: flash write failed")
	ErrIntegrityMismatch = errors.New("image: integrity mismatch")
)

// MismatchError reports a final CRC16 that disagrees with the declared one.
type MismatchError struct {
	Expected uint16
	Actual   uint16
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("image: crc16 mismatch: expected 0x%04X, got 0x%04X", e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrIntegrityMismatch }
