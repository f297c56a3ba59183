//go:build !linux

package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/transfer"
)

func startBLE(name string, sink link.Sink, log logrus.FieldLogger) (transfer.Transport, error) {
	return nil, errors.New("the ble transport needs linux (BlueZ)")
}
