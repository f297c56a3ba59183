package uota

import "time"

// timings are the worst-case AC characteristics BusyWait and the power
// commands wait for.
type timings struct {
	res1      time.Duration // release from power-down
	dp        time.Duration // enter power-down
	pp        time.Duration // page program
	erase4K   time.Duration
	erase64K  time.Duration
	eraseChip time.Duration
}

type flashParams struct {
	name     string
	capacity int64
	timings
}

var (
	flashIDMicronN25Q32   = [3]byte{0x20, 0xBA, 0x16}
	flashIDWinbondW25Q32  = [3]byte{0xEF, 0x40, 0x16}
	flashIDWinbondW25Q128 = [3]byte{0xEF, 0x70, 0x18}
)

var knownFlash = map[[3]byte]flashParams{
	// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
	// tPP (256 bytes), tSSE, tSE, tBE. Power-down is not specified.
	flashIDMicronN25Q32: {
		name:     "Micron N25Q 32Mb",
		capacity: 4 << 20,
		timings: timings{
			pp:        5 * time.Millisecond,
			erase4K:   800 * time.Millisecond,
			erase64K:  3 * time.Second,
			eraseChip: 60 * time.Second,
		},
	},

	// [W25Q32|9.6 AC Electrical Characteristics]
	flashIDWinbondW25Q32: {
		name:     "Winbond W25Q 32Mb",
		capacity: 4 << 20,
		timings: timings{
			res1:      3 * time.Microsecond,
			dp:        3 * time.Microsecond,
			pp:        3 * time.Millisecond,
			erase4K:   400 * time.Millisecond,
			erase64K:  2 * time.Second,
			eraseChip: 50 * time.Second,
		},
	},

	// [W25Q128|9.6 AC Electrical Characteristics]
	// tRES1, tDP, tPP, tSE (4KB), tBE2 (64KB), tCE
	flashIDWinbondW25Q128: {
		name:     "Winbond W25Q 128Mb",
		capacity: 16 << 20,
		timings: timings{
			res1:      3 * time.Microsecond,
			dp:        3 * time.Microsecond,
			pp:        3 * time.Millisecond,
			erase4K:   400 * time.Millisecond,
			erase64K:  2 * time.Second,
			eraseChip: 200 * time.Second,
		},
	},
}

// slowest holds, per field, the maximum over all known chips. It applies
// before ReadID has identified the part.
var slowest = func() timings {
	var t timings
	for _, p := range knownFlash {
		t.res1 = max(t.res1, p.res1)
		t.dp = max(t.dp, p.dp)
		t.pp = max(t.pp, p.pp)
		t.erase4K = max(t.erase4K, p.erase4K)
		t.erase64K = max(t.erase64K, p.erase64K)
		t.eraseChip = max(t.eraseChip, p.eraseChip)
	}
	return t
}()

func (f *Flash) timing() timings {
	if f.pr != nil {
		return f.pr.timings
	}
	return slowest
}
