package uota

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

var ErrNoBridge = errors.New("uota: FT2232H not found")

// Device is an FT2232H bridge wired to a target board's SPI flash.
type Device struct {
	FTDI  *ftdi.FT232H
	Flash *Flash

	cs    gpio.PinIO // ADBUS4 Chip Select
	reset gpio.PinIO // ADBUS7 target MCU reset, active low

	clock physic.Frequency
	conn  spi.Conn
}

var hostInitialized atomic.Bool

// NewDevice finds the FT2232H and opens its MPSSE SPI port.
func NewDevice() (*Device, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, errors.Wrap(err, "host initialization failed")
		}
	}

	d := &Device{
		clock: 30 * physic.MegaHertz, // [AN_135 3.2.1 Divisors]
	}
	if err := d.findFT2232H(); err != nil {
		return nil, err
	}

	// ADBUS0 | SCK
	// ADBUS1 | FLASH_MOSI
	// ADBUS2 | FLASH_MISO
	// ADBUS4 | FLASH_CS
	// ADBUS7 | MCU_RESET
	d.cs = d.FTDI.D4
	d.reset = d.FTDI.D7

	if err := d.connectSPI(); err != nil {
		return nil, err
	}

	d.Flash = NewFlash(d.conn, d.cs)
	return d, nil
}

// HoldTarget keeps the target MCU in reset so it does not drive the SPI bus
// while the host owns the flash.
func (d *Device) HoldTarget() error {
	return d.reset.Out(gpio.Low)
}

// ReleaseTarget lets the target MCU boot from the flash.
func (d *Device) ReleaseTarget() error {
	return d.reset.Out(gpio.High)
}

func (d *Device) findFT2232H() error {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			d.FTDI = ft
			return nil
		}
	}
	return ErrNoBridge
}

func (d *Device) connectSPI() (err error) {
	port, err := d.FTDI.SPI()
	if err != nil {
		return errors.Wrap(err, "failed to get SPI port")
	}

	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [N25Q32|Table 7: SPI Modes] mode 0 and mode 3 are supported
	d.conn, err = port.Connect(d.clock, spi.Mode0, 8)
	return errors.Wrap(err, "failed to connect SPI")
}
