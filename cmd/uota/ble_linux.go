//go:build linux

package main

import (
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/gentam/uota/internal/ble"
	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/transfer"
)

func startBLE(name string, sink link.Sink, log logrus.FieldLogger) (transfer.Transport, error) {
	s := ble.New(bluetooth.DefaultAdapter, sink, log)
	if err := s.Start(name); err != nil {
		return nil, err
	}
	log.WithField("name", name).Info("advertising")
	return s, nil
}
