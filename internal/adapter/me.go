package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/tty"
)

const (
	meAddress   = 0x38
	meTxLen     = 15
	meRxLen     = 14
	meMaxData   = 11
	meBaud      = 19200
	meFrameWait = 200 * time.Millisecond
	meSyncWait  = 2350 * time.Millisecond // 10 bits at 5 baud plus W1
	meErrType   = 0x80
)

// ME command bytes.
const (
	meCmdJ1850VPW   = 0x02
	meCmdJ1850PWM   = 0x04
	meCmdISO9141    = 0x10
	meCmdRaw5Baud   = 0x20
	meCmdKWPSlow    = 0x85
	meCmdKWPKeyByte = 0x86
	meCmdKWPFast    = 0x87
	meCmdKWP        = 0x88
)

type meState int

const (
	meOpen      meState = iota // open and working
	meSendKB1                  // key bytes pending delivery to the first Recv
	meSendKB2                  // only KB2 left
	meRaw                      // ISO9141 pass-through after 5-baud init
	meFastStart                // first Recv after fast init
)

// meBaudTable converts the sync timing byte reported in raw 5-baud mode
// (2.5 µs ticks per bit of the 0x55 sync) to a bit rate.
var meBaudTable = [...]int{0, 400000, 200000, 133333, 100000, 80000,
	66666, 57142, 50000, 44444,
	/* 10 */ 40000, 36363, 33333, 30769, 28571, 26666,
	25000, 23529, 22222, 21052,
	/* 20 */ 19200, 19200, 18181, 17391, 16666, 16000,
	15384, 14814, 14285, 13793,
	/* 30 */ 13333, 12903, 12500, 12121, 11764, 11428,
	11111, 10400, 10400, 10400,
	/* 40 */ 10400, 9600, 9600, 9600, 9600, 8888, 8695, 8510, 8333, 8163,
	/* 50 */ 8000, 7843, 7692, 7547, 7407, 7272, 7142, 7017, 6896, 6779,
	/* 60 */ 6666, 6557, 6451, 6349, 0, 6153, 6060, 5970, 5882, 5797,
	/* 70 */ 5714, 5633, 5555, 5479, 5405, 5333, 5263, 5194, 5128, 5063,
	/* 80 */ 5000, 4800, 4800, 4800, 4800, 4800, 4800, 4597, 4545, 4494,
	/* 90 */ 4444, 4395, 4347, 4301, 4255, 4210, 4166, 4123, 4081, 4040,
	/* 100 */ 4000, 3960, 3921, 3883, 3846, 3809, 3600, 3600, 3600, 3600,
	/* 110 */ 3600, 3600, 3600, 3600, 3600, 3478, 3448, 3418, 3389, 3361,
	/* 120 */ 3333, 3305, 3278, 3252, 3225, 3200, 3174, 3149, 3125, 3100,
	/* 130 */ 3076, 3053, 3030, 3007, 2985, 2962, 2941, 2919, 2898, 2877,
	/* 140 */ 2857, 2836, 2816, 2797, 2777, 2758, 2739, 2721, 2702, 2684,
	/* 150 */ 2666, 2649, 2631, 2614, 2597, 2580, 2564, 2547, 2531, 2515,
	/* 160 */ 2500, 2400, 2400, 2400, 2400, 2400, 2400, 2400, 2400, 2400,
	/* 170 */ 2400, 2400, 2400, 2400, 2298, 2285, 2272, 2259, 2247, 2234,
	/* 180 */ 2222, 2209, 2197, 2185, 2173, 2162, 2150, 2139, 2127, 2116,
	/* 190 */ 2105, 2094, 2083, 2072, 2061, 2051, 2040, 2030, 2020, 2010,
	/* 200 */ 2000, 1990, 1980, 1970, 1960, 1951, 1941, 1932, 1923, 1913,
	/* 210 */ 1904, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800,
	/* 220 */ 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800,
	/* 230 */ 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800,
	/* 240 */ 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800, 1800,
	/* 250 */ 1600, 1593, 1587, 1581, 1574, 1568}

// ME drives a Multiplex Engineering T16 interface. The adapter exchanges
// fixed-size frames with the host and performs L2 framing itself.
type ME struct {
	dev      tty.Device
	bus      Bus
	log      *slog.Logger
	debug    diag.Debug
	wakeup   diag.InitKind // init to perform with the next send
	state    meState
	kb1, kb2 byte
	pending  []byte // unread remainder of the last frame
}

// NewME powers the interface (DTR high, RTS low), sets 19200 8N1 and
// flushes stale input.
func NewME(dev tty.Device, o Options) (*ME, error) {
	m := &ME{dev: dev, bus: o.Bus, log: o.logger(), debug: o.Debug}
	if err := dev.SetSpeed(meBaud); err != nil {
		return nil, fmt.Errorf("me: set speed: %w", err)
	}
	if err := dev.SetModem(true, false); err != nil && !errors.Is(err, tty.ErrNotSupported) {
		return nil, fmt.Errorf("me: power: %w", err)
	}
	_ = dev.FlushInput()
	if m.debug.Has(diag.DebugOpen) {
		m.log.Debug("me_open", "bus", m.bus.String())
	}
	return m, nil
}

func (m *ME) Flags() diag.LinkFlags {
	switch m.bus {
	case BusJ1850VPW, BusJ1850PWM:
		return diag.LinkDoesL2Checksum | diag.LinkDoesL2Frame
	case BusISO9141:
		return diag.LinkSlowInit
	default:
		return diag.LinkSlowInit | diag.LinkFastInit | diag.LinkPrefFast |
			diag.LinkDoesL2Frame | diag.LinkDoesSlowInit | diag.LinkDoesL2Checksum
	}
}

// SetSpeed is ignored: the host side always runs at 19200 and the adapter
// programs the bus speed itself.
func (m *ME) SetSpeed(bps int) error {
	if m.debug.Has(diag.DebugIoctl) {
		m.log.Debug("me_setspeed_ignored", "bps", bps)
	}
	return nil
}

func (m *ME) FlushInput() error {
	m.pending = nil
	return m.dev.FlushInput()
}

func (m *ME) Close() error {
	if m.debug.Has(diag.DebugClose) {
		m.log.Debug("me_close")
	}
	return m.dev.Close()
}

func (m *ME) InitBus(args diag.InitArgs) error {
	if m.debug.Has(diag.DebugIoctl) {
		m.log.Debug("me_initbus", "kind", args.Kind.String(), "bus", m.bus.String())
	}
	_ = m.FlushInput()
	switch args.Kind {
	case diag.Init5Baud:
		return m.slowInit(args.Addr)
	case diag.InitFast:
		m.wakeup = diag.InitFast
		m.state = meFastStart
		return nil
	default:
		return diag.ErrInitNotSupported
	}
}

func (m *ME) slowInit(addr byte) error {
	var tx [meTxLen]byte
	tx[0] = meAddress
	switch m.bus {
	case BusISO9141:
		tx[1] = meCmdRaw5Baud
		tx[2] = addr
	case BusISO14230:
		tx[1] = meCmdKWPSlow
		tx[2] = 1
		tx[3] = diag.SIDTesterPresent
	default:
		return diag.ErrInitNotSupported
	}
	meTxChecksum(&tx)
	if err := writeAll(m.dev, tx[:]); err != nil {
		return err
	}

	if m.bus == BusISO9141 {
		var b [1]byte
		if _, err := m.dev.Read(b[:], meSyncWait); err != nil {
			return fmt.Errorf("me: 5baud sync: %w", diag.ErrGeneral)
		}
		if b[0] == 0x40 {
			_ = m.dev.FlushInput()
			return fmt.Errorf("me: 5baud init rejected: %w", diag.ErrGeneral)
		}
		if baud := meBaudTable[b[0]]; baud != 0 {
			if m.debug.Has(diag.DebugProto) {
				m.log.Debug("me_raw_baud", "index", b[0], "bps", baud)
			}
			if err := m.dev.SetSpeed(baud); err != nil {
				return fmt.Errorf("me: set speed %d: %w", baud, err)
			}
		}
		m.state = meRaw
		return nil
	}

	var rx [meRxLen]byte
	if err := m.readFrame(&rx, meFrameWait); err != nil {
		return err
	}
	if rx[1] == meErrType {
		return fmt.Errorf("me: slow init rejected (0x%02X): %w", rx[3], diag.ErrGeneral)
	}
	tx = [meTxLen]byte{0: meAddress, 1: meCmdKWPKeyByte}
	meTxChecksum(&tx)
	if err := writeAll(m.dev, tx[:]); err != nil {
		return err
	}
	if err := m.readFrame(&rx, meFrameWait); err != nil {
		return err
	}
	if rx[1] == meErrType {
		return fmt.Errorf("me: key byte request rejected (0x%02X): %w", rx[3], diag.ErrGeneral)
	}
	m.kb1, m.kb2 = rx[2], rx[3]
	m.state = meSendKB1
	return nil
}

func meTxChecksum(tx *[meTxLen]byte) {
	tx[14] = diag.Checksum8(tx[1:14])
}

func (m *ME) Send(p []byte, _ time.Duration) error {
	if m.debug.Has(diag.DebugWrite) {
		m.log.Debug("me_send", "len", len(p), "data", fmt.Sprintf("% X", p))
	}
	if m.state == meRaw {
		return writeAll(m.dev, p)
	}
	if len(p) == 0 || len(p) > meMaxData {
		return fmt.Errorf("me: send %d bytes: %w", len(p), diag.ErrBadLength)
	}
	var cmd byte
	switch m.bus {
	case BusISO9141:
		cmd = meCmdISO9141
	case BusISO14230:
		cmd = meCmdKWP
		if m.wakeup == diag.InitFast {
			cmd = meCmdKWPFast
		}
		m.wakeup = diag.InitNone
	case BusJ1850VPW:
		cmd = meCmdJ1850VPW
	case BusJ1850PWM:
		cmd = meCmdJ1850PWM
	default:
		return diag.ErrProtocolNotSupported
	}
	var tx [meTxLen]byte
	tx[0] = meAddress
	tx[1] = cmd
	tx[2] = byte(len(p))
	copy(tx[3:], p)
	meTxChecksum(&tx)
	return writeAll(m.dev, tx[:])
}

// Recv returns one L2 frame (or the unread remainder of one).
func (m *ME) Recv(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, diag.ErrBadLength
	}
	switch m.state {
	case meSendKB1:
		if len(p) >= 2 {
			p[0], p[1] = m.kb1, m.kb2
			m.state = meOpen
			return 2, nil
		}
		p[0] = m.kb1
		m.state = meSendKB2
		return 1, nil
	case meSendKB2:
		p[0] = m.kb2
		m.state = meOpen
		return 1, nil
	case meRaw:
		return m.dev.Read(p, timeout)
	case meFastStart:
		timeout = meFrameWait
		m.state = meOpen
	}

	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		return n, nil
	}

	var rx [meRxLen]byte
	if err := m.readFrame(&rx, timeout); err != nil {
		return 0, err
	}
	if cks := diag.Checksum8(rx[1:13]); cks != rx[13] {
		metrics.IncAdapterChecksum()
		m.log.Warn("me_bad_checksum", "got", cks, "want", rx[13], "frame", fmt.Sprintf("% X", rx[:]))
	}
	if rx[1] == meErrType {
		if m.debug.Has(diag.DebugRead) {
			m.log.Debug("me_error_frame", "code", rx[3], "version", rx[2], "caps", rx[4])
		}
		switch rx[3] {
		case 0x05, 0x07, 0x0C: // no ISO, J1850 or KWP response
			return 0, diag.ErrTimeout
		default:
			return 0, fmt.Errorf("me: adapter error 0x%02X: %w", rx[3], diag.ErrGeneral)
		}
	}
	frame := rx[2 : 2+GuessLength(rx)]
	n := copy(p, frame)
	if n < len(frame) {
		m.pending = append([]byte(nil), frame[n:]...)
	}
	return n, nil
}

// readFrame collects one full adapter frame; each read restarts the timeout.
func (m *ME) readFrame(rx *[meRxLen]byte, timeout time.Duration) error {
	for off := 0; off < meRxLen; {
		n, err := m.dev.Read(rx[off:], timeout)
		if err != nil {
			if errors.Is(err, diag.ErrTimeout) {
				return err
			}
			return fmt.Errorf("me: read: %w", err)
		}
		off += n
	}
	if m.debug.Has(diag.DebugRead) {
		m.log.Debug("me_recv", "frame", fmt.Sprintf("% X", rx[:]))
	}
	return nil
}
