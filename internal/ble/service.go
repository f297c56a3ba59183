//go:build linux

// Package ble exposes the OTA protocol as a GATT service. The peer writes
// packet frames to the command characteristic and receives replies as
// notifications on the reply characteristic.
package ble

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/transfer"
)

var (
	ServiceUUID = bluetooth.NewUUID([16]byte{0x0f, 0xe4, 0x00, 0x01, 0x9b, 0x5d, 0x4c, 0x2e, 0xa1, 0x4b, 0x27, 0x6d, 0x5e, 0x1a, 0x00, 0x7a})
	CommandUUID = bluetooth.NewUUID([16]byte{0x0f, 0xe4, 0x00, 0x02, 0x9b, 0x5d, 0x4c, 0x2e, 0xa1, 0x4b, 0x27, 0x6d, 0x5e, 0x1a, 0x00, 0x7a})
	ReplyUUID   = bluetooth.NewUUID([16]byte{0x0f, 0xe4, 0x00, 0x03, 0x9b, 0x5d, 0x4c, 0x2e, 0xa1, 0x4b, 0x27, 0x6d, 0x5e, 0x1a, 0x00, 0x7a})
)

var ErrNotConnected = errors.New("ble: no central connected")

// notifier is the part of a local characteristic Service needs.
type notifier interface {
	Write(p []byte) (int, error)
}

// Service bridges one connected central to a link.Sink.
type Service struct {
	adapter *bluetooth.Adapter
	sink    link.Sink
	log     logrus.FieldLogger
	rx      *link.Receiver

	reply bluetooth.Characteristic

	mu        sync.Mutex
	out       notifier
	device    bluetooth.Device
	connected bool
	txSeq     uint8
}

func New(adapter *bluetooth.Adapter, sink link.Sink, log logrus.FieldLogger) *Service {
	s := &Service{adapter: adapter, sink: sink, log: log}
	s.rx = link.NewReceiver(sink, log)
	s.out = &s.reply
	return s
}

// Start enables the adapter, registers the service and advertises it as
// name.
func (s *Service) Start(name string) error {
	if err := s.adapter.Enable(); err != nil {
		return errors.Wrap(err, "ble: enable adapter")
	}
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			s.connect(device)
		} else {
			s.disconnect()
		}
	})
	err := s.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  CommandUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if offset != 0 {
						s.log.WithField("offset", offset).Warn("ble: long writes not supported")
						return
					}
					s.handleWrite(value)
				},
			},
			{
				Handle: &s.reply,
				UUID:   ReplyUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "ble: add service")
	}
	adv := s.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	})
	if err != nil {
		return errors.Wrap(err, "ble: configure advertisement")
	}
	if err := adv.Start(); err != nil {
		return errors.Wrap(err, "ble: advertise")
	}
	s.log.WithField("name", name).Info("advertising")
	return nil
}

func (s *Service) connect(device bluetooth.Device) {
	s.mu.Lock()
	s.device = device
	s.connected = true
	s.txSeq = 0
	s.mu.Unlock()
	s.rx.Reset()
	s.log.Info("central connected")
	s.sink.OnAuth(true)
}

func (s *Service) disconnect() {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if was {
		s.log.Info("central disconnected")
		s.sink.OnDisconnect()
	}
}

func (s *Service) handleWrite(value []byte) {
	f, err := link.DecodePacket(value)
	if err != nil {
		s.log.WithError(err).Warn("dropping packet")
		return
	}
	s.rx.Handle(f)
}

// Send notifies one reply packet to the central.
func (s *Service) Send(cmd transfer.Cmd, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	p := link.EncodePacket(link.Frame{Seq: s.txSeq, Cmd: cmd, Frames: 1, Payload: payload})
	if _, err := s.out.Write(p); err != nil {
		return errors.Wrapf(err, "ble: notify %s", cmd)
	}
	s.txSeq++
	return nil
}

// Disconnect drops the central. The connect handler reports the
// disconnect to the sink.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	dev, ok := s.device, s.connected
	s.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return errors.Wrap(dev.Disconnect(), "ble: disconnect")
}
