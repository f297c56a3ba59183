package transfer

import "github.com/pkg/errors"

var (
	ErrInvalidParam      = errors.New("transfer: invalid parameter")
	ErrProtocolViolation = errors.New("transfer: command not allowed in state")
	ErrInvalidUpgrade    = errors.New("transfer: upgrade rejected")
	ErrBadMagic          = errors.New("transfer: unsupported image type")
	ErrQueueFull         = errors.New("transfer: command queue full")
)
