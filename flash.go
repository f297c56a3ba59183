package uota

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/gentam/uota/internal/flash"
)

var (
	ErrUnknownChip = errors.New("uota: unknown flash chip")
	ErrBusyTimeout = errors.New("uota: flash busy timeout")
)

const (
	pageSize      = 256
	subsectorSize = 4 << 10  // 4KB
	sectorSize    = 64 << 10 // 64KB
)

// Flash is a SPI NOR chip. Once ReadID has identified it, it satisfies
// flash.Device with a 4KB erase size.
type Flash struct {
	mu   sync.Mutex
	conn spi.Conn
	cs   gpio.PinOut
	id   [3]byte // JEDEC ID of the flash chip
	pr   *flashParams
}

var _ flash.Device = (*Flash)(nil)

func NewFlash(conn spi.Conn, cs gpio.PinOut) *Flash {
	return &Flash{conn: conn, cs: cs}
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdWriteEnable        = 0x06
	flashCmdPageProgram        = 0x02
	flashCmdErase4KB           = 0x20 // Subsector Erase / Sector Erase (4KB)
	flashCmdErase64KB          = 0xD8 // Sector Erase / Block Erase (64KB)
	flashCmdEraseChip          = 0xC7 // Bulk Erase / Chip Erase
	flashCmdReadStatusRegister = 0x05
)

// tx wraps SPI transaction with CS assertion.
func (f *Flash) tx(buf []byte) (err error) {
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = f.conn.Tx(buf, buf)
	return
}

func addrCmd(cmd byte, addr int64, n int) []byte {
	buf := make([]byte, 4+n)
	buf[0] = cmd
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
	return buf
}

func (f *Flash) PowerUp() error {
	if err := f.tx([]byte{flashCmdPowerUp}); err != nil {
		return err
	}
	time.Sleep(f.timing().res1)
	return nil
}

func (f *Flash) PowerDown() error {
	if err := f.tx([]byte{flashCmdPowerDown}); err != nil {
		return err
	}
	time.Sleep(f.timing().dp)
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// It returns a non-empty name for known IDs. The extended device string is ignored.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID

	f.mu.Lock()
	defer f.mu.Unlock()
	if err = f.tx(buf); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	if params, ok := knownFlash[f.id]; ok {
		f.pr = &params
		name = params.name
	}
	return f.id, name, nil
}

// Size returns the chip capacity, or 0 until ReadID has matched a known chip.
func (f *Flash) Size() int64 {
	if f.pr == nil {
		return 0
	}
	return f.pr.capacity
}

// EraseSize is the subsector size.
func (f *Flash) EraseSize() int64 { return subsectorSize }

func (f *Flash) check(off int64, n int) error {
	if f.pr == nil {
		return errors.Wrapf(ErrUnknownChip, "JEDEC ID %X", f.id)
	}
	if off < 0 || off+int64(n) > f.pr.capacity {
		return errors.Wrapf(flash.ErrOutOfRange, "0x%X+%d (size 0x%X)", off, n, f.pr.capacity)
	}
	return nil
}

// ReadAt performs a read operation, splitting it into multiple transactions if
// needed to stay within the maximum transaction size.
func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	const (
		maxTx    = 65536 // [FTDI-AN_108]
		cmdBytes = 4     // opRead + 24-bit address
		maxData  = maxTx - cmdBytes
	)
	if err := f.check(off, len(p)); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for n < len(p) {
		chunk := min(len(p)-n, maxData)
		buf := addrCmd(flashCmdRead, off+int64(n), chunk)
		// buf[4:] dummy bytes
		if err := f.tx(buf); err != nil {
			return n, err
		}
		n += copy(p[n:], buf[cmdBytes:])
	}
	return n, nil
}

// WriteAt programs p at off, one page program per 256-byte page touched. The
// bytes must have been erased.
func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	if err := f.check(off, len(p)); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for n < len(p) {
		addr := off + int64(n)
		chunk := min(len(p)-n, pageSize-int(addr%pageSize))
		if err := f.pageProgram(addr, p[n:n+chunk]); err != nil {
			return n, errors.Wrapf(err, "program at 0x%X", addr)
		}
		n += chunk
	}
	return n, nil
}

func (f *Flash) writeEnable() error {
	return f.tx([]byte{flashCmdWriteEnable})
}

// data must not cross a page boundary.
func (f *Flash) pageProgram(addr int64, data []byte) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	buf := addrCmd(flashCmdPageProgram, addr, len(data))
	copy(buf[4:], data)
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.busyWait(100*time.Microsecond, f.timing().pp)
}

func (f *Flash) eraseCmd(cmd byte, addr int64, interval, timeout time.Duration) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.tx(addrCmd(cmd, addr, 0)); err != nil {
		return err
	}
	return f.busyWait(interval, timeout)
}

// Erase erases n bytes at off, rounded up to 4KB, using 64KB sector erases
// where the range covers whole sectors.
func (f *Flash) Erase(off, n int64) error {
	if off%subsectorSize != 0 {
		return errors.Wrapf(flash.ErrUnaligned, "erase at 0x%X", off)
	}
	n = flash.AlignUp(n, subsectorSize)
	if err := f.check(off, int(n)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for end := off + n; off < end; {
		if off%sectorSize == 0 && end-off >= sectorSize {
			if err := f.eraseCmd(flashCmdErase64KB, off, 100*time.Millisecond, f.timing().erase64K); err != nil {
				return errors.Wrapf(err, "erase 64KB at 0x%X", off)
			}
			off += sectorSize
			continue
		}
		if err := f.eraseCmd(flashCmdErase4KB, off, 50*time.Millisecond, f.timing().erase4K); err != nil {
			return errors.Wrapf(err, "erase 4KB at 0x%X", off)
		}
		off += subsectorSize
	}
	return nil
}

// EraseChip bulk erase the entire chip.
func (f *Flash) EraseChip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.tx([]byte{flashCmdEraseChip}); err != nil {
		return err
	}
	return f.busyWait(time.Second, f.timing().eraseChip)
}

// BusyWait waits for the flash to become ready by polling the status
// register's bit 0 with specified intervals. It fails with ErrBusyTimeout
// once timeout expires; set timeout to 0 to wait indefinitely.
func (f *Flash) BusyWait(interval, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busyWait(interval, timeout)
}

func (f *Flash) busyWait(interval, timeout time.Duration) error {
	// Fast path
	if sr, err := f.readStatusRegister(); err != nil {
		return err
	} else if !sr.Busy() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-expired:
			return errors.Wrapf(ErrBusyTimeout, "after %s", timeout)
		case <-ticker.C:
			sr, err := f.readStatusRegister()
			if err != nil {
				return err
			}
			if !sr.Busy() {
				return nil
			}
		}
	}
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) BlockProtect() uint8         { return uint8(sr>>2) & 0x7 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRP")
	}
	if bp := sr.BlockProtect(); bp != 0 {
		s = append(s, fmt.Sprintf("BP=%d", bp))
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readStatusRegister()
}

func (f *Flash) readStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
