package l2

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

const (
	defaultBitrate  = 10400
	startIdle       = 300 * time.Millisecond
	keyByteWait     = 100 * time.Millisecond
	addrAckWait     = 350 * time.Millisecond
	framedStartWait = 200 * time.Millisecond
	fastStartSlack  = 20 * time.Millisecond
	requestSlack    = 10 * time.Millisecond
	keyByte2        = 0x8F
)

// hdrFormat holds the header options negotiated from KB1. The bit values
// match KB1 bits 0..3.
type hdrFormat uint8

const (
	hdrFmtLen  hdrFormat = 1 << iota // AL0: length in the format byte
	hdrLenByte                       // AL1: separate length byte
	hdrShort                         // HB0: format byte only, no addresses
	hdrLong                          // HB1: target and source bytes

	hdrDefault = hdrLong | hdrFmtLen | hdrLenByte
)

func headerFromKeyBytes(kb1 byte, known bool) hdrFormat {
	if !known {
		return hdrDefault
	}
	h := hdrFormat(kb1 & 0x0F)
	if h&(hdrShort|hdrLong) == 0 {
		h |= hdrLong
	}
	if h&(hdrFmtLen|hdrLenByte) == 0 {
		h |= hdrFmtLen
	}
	return h
}

// iso14230 is the KWP2000 layer 2.
type iso14230 struct {
	hdr        hdrFormat
	firstFrame bool
	scratch    [rxBufSize]byte
}

func (p *iso14230) flags() ProtoFlags { return ProtoFramed | ProtoDataOnly | ProtoKeepalive }

func (p *iso14230) start(c *Conn, args StartArgs) error {
	bitrate := args.Bitrate
	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	c.speed = bitrate
	p.hdr = hdrDefault
	p.firstFrame = true
	if err := c.link.SetSpeed(bitrate); err != nil {
		return err
	}
	if err := c.link.FlushInput(); err != nil {
		return err
	}
	sleepFn(startIdle)

	var err error
	switch args.Init {
	case FastInit:
		err = p.fastInit(c, args)
	case SlowInit:
		err = p.slowInit(c, args)
	case MonitorInit:
		c.monitor = true
		c.physAddr = args.Target
	default:
		return fmt.Errorf("%w: %s", diag.ErrInitNotSupported, args.Init)
	}
	if err != nil {
		return err
	}
	p.hdr = headerFromKeyBytes(c.kb1, c.kbKnown)
	c.trace(diag.DebugProto, "l2_header_format", "fmtlen", p.hdr&hdrFmtLen != 0,
		"lenbyte", p.hdr&hdrLenByte != 0, "short", p.hdr&hdrShort != 0, "long", p.hdr&hdrLong != 0)

	if !c.monitor {
		p.settle(c)
	}
	return nil
}

// settle drains whatever the ECU still sends after the handshake.
func (p *iso14230) settle(c *Conn) {
	w := max(c.timing.P2Max/2, 5*c.timing.P4Max)
	for {
		if _, err := c.link.Recv(p.scratch[:], w); err != nil {
			return
		}
	}
}

func (p *iso14230) fastInit(c *Conn, args StartArgs) error {
	m := diag.Message{Data: []byte{diag.SIDStartCommunication}}
	if args.Functional {
		c.physAddr = 0
		m.Fmt = diag.FmtFuncAddr
	} else {
		c.physAddr = args.Target
	}
	if err := c.link.InitBus(diag.InitArgs{Kind: diag.InitFast, Addr: args.Target}); err != nil {
		return err
	}
	if c.linkFlags.Has(diag.LinkDoesFullInit) {
		c.trace(diag.DebugProto, "l2_full_init_by_link")
		return nil
	}
	if err := c.Send(m); err != nil {
		return err
	}
	wait := c.timing.P2Max + fastStartSlack
	if c.linkFlags.Has(diag.LinkDoesL2Frame) {
		wait = framedStartWait
	}
	b, err := p.recv(c, wait)
	if err != nil {
		return err
	}
	first, _ := b.First()
	if len(first.Data) < 3 || first.Data[0] != diag.StartCommunicationOK {
		return fmt.Errorf("%w: %s", diag.ErrECUSaidNo, diag.DescribeResponse(first))
	}
	c.kb1, c.kb2 = first.Data[1], first.Data[2]
	c.kbKnown = true
	c.physAddr = first.Src
	return nil
}

func (p *iso14230) slowInit(c *Conn, args StartArgs) error {
	c.physAddr = args.Target
	if err := c.link.InitBus(diag.InitArgs{Kind: diag.Init5Baud, Addr: args.Target}); err != nil {
		return err
	}
	var kb [2]byte
	for i := range kb {
		if _, err := c.link.Recv(kb[i:i+1], keyByteWait); err != nil {
			return fmt.Errorf("key byte %d: %w", i+1, err)
		}
	}
	c.trace(diag.DebugProto, "l2_key_bytes", "kb1", fmt.Sprintf("0x%02X", kb[0]), "kb2", fmt.Sprintf("0x%02X", kb[1]))
	if kb[1] != keyByte2 {
		return fmt.Errorf("%w: kb2 0x%02X", diag.ErrWrongKeyByte, kb[1])
	}
	c.kb1, c.kb2 = kb[0]&0x7F, kb[1]&0x7F
	c.kbKnown = true
	if c.linkFlags.Has(diag.LinkDoesSlowInit) {
		return nil
	}
	if err := c.link.Send([]byte{^kb[1]}, c.timing.P4Min); err != nil {
		return err
	}
	var ack [1]byte
	if _, err := c.link.Recv(ack[:], addrAckWait); err != nil {
		return fmt.Errorf("%w: no address complement: %w", diag.ErrWrongKeyByte, err)
	}
	if ack[0] != ^args.Target {
		return fmt.Errorf("%w: address complement 0x%02X, want 0x%02X", diag.ErrWrongKeyByte, ack[0], ^args.Target)
	}
	return nil
}

func (p *iso14230) stop(c *Conn) error {
	if c.monitor {
		return nil
	}
	b, err := p.request(c, diag.Message{Data: []byte{diag.SIDStopCommunication}})
	if err != nil {
		c.log.Warn("l2_stop_no_reply", "error", err)
		return nil
	}
	if first, _ := b.First(); len(first.Data) == 0 || first.Data[0] != diag.StopCommunicationOK {
		c.log.Warn("l2_stop_refused", "response", diag.DescribeResponse(first))
	}
	return nil
}

func (p *iso14230) send(c *Conn, m diag.Message) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty message", diag.ErrBadLength)
	}
	frame := m.Data
	if !c.linkFlags.Has(diag.LinkDataOnly) {
		var err error
		if frame, err = p.frame(c, m); err != nil {
			return err
		}
	}
	if c.state == Established {
		sleepFn(c.timing.P3Min)
	}
	c.trace(diag.DebugWrite, "l2_send", "data", fmt.Sprintf("% X", frame))
	return c.link.Send(frame, c.timing.P4Min)
}

// frame builds header + data + checksum. Message addresses override the
// connection defaults when set.
func (p *iso14230) frame(c *Conn, m diag.Message) ([]byte, error) {
	n := len(m.Data)
	functional := c.args.Functional || m.Fmt&diag.FmtFuncAddr != 0
	dest, src := c.target, c.source
	if m.Dest != 0 {
		dest = m.Dest
	}
	if m.Src != 0 {
		src = m.Src
	}
	short := p.hdr&hdrShort != 0 && !functional
	var fb byte
	switch {
	case short:
		fb = 0x00
	case functional:
		fb = 0xC0
	default:
		fb = 0x80
	}

	buf := make([]byte, 0, n+5)
	switch {
	case n < 64 && p.hdr&hdrFmtLen != 0:
		buf = append(buf, fb|byte(n))
		if !short {
			buf = append(buf, dest, src)
		}
	case n <= 0xFF && p.hdr&hdrLenByte != 0:
		buf = append(buf, fb)
		if !short {
			buf = append(buf, dest, src)
		}
		buf = append(buf, byte(n))
	default:
		return nil, fmt.Errorf("%w: %d bytes", diag.ErrBadLength, n)
	}
	buf = append(buf, m.Data...)
	if !c.linkFlags.Has(diag.LinkDoesL2Checksum) {
		buf = append(buf, diag.Checksum8(buf))
	}
	return buf, nil
}

func (p *iso14230) recv(c *Conn, timeout time.Duration) (diag.Batch, error) {
	frames, err := p.collect(c, timeout)
	if err != nil {
		return nil, err
	}
	return p.decode(c, frames)
}

// collect runs the receive machine against the link.
func (p *iso14230) collect(c *Conn, timeout time.Duration) ([]rxFrame, error) {
	rx := rxMachine{monitor: c.monitor}
	for rx.state != rxDone {
		w, read := rx.window(c.timing, timeout, c.linkFlags)
		if !read {
			if err := rx.timeout(); err != nil {
				return nil, err
			}
			continue
		}
		n, err := c.link.Recv(p.scratch[:rx.room()], w)
		switch {
		case errors.Is(err, diag.ErrTimeout):
			if err := rx.timeout(); err != nil {
				return nil, err
			}
		case err != nil:
			metrics.IncError(metrics.ErrLinkRead)
			return nil, err
		default:
			c.trace(diag.DebugRead, "l2_read", "data", fmt.Sprintf("% X", p.scratch[:n]))
			rx.feed(p.scratch[:n])
		}
	}
	return rx.frames, nil
}

type header struct {
	hdrLen     int
	dataLen    int
	src, dst   byte
	addressed  bool
	functional bool
}

// decodeHeader parses the header at the front of f. Unaddressed (short)
// headers are not accepted on the first frame of a connection, where the
// addresses have not been learned yet.
func decodeHeader(f []byte, first bool) (header, error) {
	var h header
	if len(f) == 0 {
		return h, diag.ErrIncompleteData
	}
	b0 := f[0]
	dl := int(b0 & 0x3F)
	switch b0 & 0xC0 {
	case 0x80, 0xC0:
		h.addressed = true
		h.functional = b0&0xC0 == 0xC0
		h.hdrLen = 3
		if dl == 0 {
			h.hdrLen = 4
		}
		if len(f) < h.hdrLen {
			return h, diag.ErrIncompleteData
		}
		h.dst, h.src = f[1], f[2]
		if dl == 0 {
			dl = int(f[3])
		}
	case 0x00:
		if first {
			return h, fmt.Errorf("%w: unaddressed header 0x%02X on first frame", diag.ErrBadData, b0)
		}
		h.hdrLen = 1
		if dl == 0 {
			h.hdrLen = 2
			if len(f) < 2 {
				return h, diag.ErrIncompleteData
			}
			dl = int(f[1])
		}
	default:
		return h, fmt.Errorf("%w: CARB header 0x%02X", diag.ErrBadData, b0)
	}
	if dl == 0 {
		return h, fmt.Errorf("%w: zero data length", diag.ErrBadData)
	}
	h.dataLen = dl
	return h, nil
}

// decode turns collected frames into messages. Non-framing links may glue
// several ECU replies into one frame; the excess is split off and decoded
// next, so replies keep their arrival order.
func (p *iso14230) decode(c *Conn, frames []rxFrame) (diag.Batch, error) {
	cks := 1
	if c.linkFlags.Has(diag.LinkStripsL2Checksum) {
		cks = 0
	}
	framing := c.linkFlags.Has(diag.LinkDoesL2Frame)
	out := make(diag.Batch, 0, len(frames))
	for i := 0; i < len(frames); i++ {
		f := frames[i]
		h, err := decodeHeader(f.data, p.firstFrame)
		if err != nil {
			return nil, err
		}
		p.firstFrame = false
		total := h.hdrLen + h.dataLen + cks
		if len(f.data) < total {
			return nil, fmt.Errorf("%w: have %d of %d bytes", diag.ErrIncompleteData, len(f.data), total)
		}
		if len(f.data) > total {
			if !framing {
				frames = slices.Insert(frames, i+1, rxFrame{data: f.data[total:], at: f.at})
			}
			f.data = f.data[:total]
		}

		m := diag.Message{
			Fmt:    diag.FmtFramed | diag.FmtDataOnly | diag.FmtChecksummed,
			Src:    h.src,
			Dest:   h.dst,
			RxTime: f.at,
		}
		if !h.addressed {
			m.Src, m.Dest = c.physAddr, c.source
		}
		if h.functional {
			m.Fmt |= diag.FmtFuncAddr
		}
		if cks == 1 {
			if sum := diag.Checksum8(f.data[:total-1]); sum != f.data[total-1] {
				m.Fmt |= diag.FmtBadChecksum
				metrics.IncL2BadChecksum()
				c.trace(diag.DebugProto, "l2_bad_checksum", "want", fmt.Sprintf("0x%02X", sum),
					"got", fmt.Sprintf("0x%02X", f.data[total-1]))
			}
		}
		m.Data = append([]byte(nil), f.data[h.hdrLen:total-cks]...)
		metrics.IncL2Rx()
		c.trace(diag.DebugData, "l2_recv", "msg", m.String())
		out = append(out, m)
	}
	return out, nil
}

func (p *iso14230) request(c *Conn, m diag.Message) (diag.Batch, error) {
	if err := c.Send(m); err != nil {
		return nil, err
	}
	return p.recv(c, c.timing.P2Max+requestSlack)
}

func (p *iso14230) keepalive(c *Conn) {
	data := []byte{diag.SIDTesterPresent}
	if c.args.IdleJ1978 {
		data = []byte{0x01, 0x00}
	}
	c.Quietly(func() {
		if err := c.Send(diag.Message{Data: data}); err != nil {
			c.log.Debug("keepalive_failed", "stage", "send", "error", err)
			metrics.IncKeepalive(false)
			return
		}
		w := c.timing.P3Min
		if c.linkFlags.Any(diag.LinkDoesL2Frame|diag.LinkDoesP4Wait) && w < smartMinWait {
			w = smartMinWait
		}
		if _, err := p.recv(c, w); err != nil {
			c.log.Debug("keepalive_failed", "stage", "recv", "error", err)
			metrics.IncKeepalive(false)
			return
		}
		metrics.IncKeepalive(true)
	})
}
