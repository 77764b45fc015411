package l3

import (
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
)

// j1979 carries SAE J1979 (OBD-II) modes. It runs over a framed layer 2 or
// over a raw byte stream, in which case it builds and strips the 3-byte
// headers itself.
type j1979 struct{}

var pidZero = []byte{0x01, 0x00}

func (j1979) start(c *Conn) error {
	if err := ping(c); err != nil {
		return fmt.Errorf("mode 1 pid 0: %w", err)
	}
	return nil
}

func (j1979) stop(*Conn) error { return nil }

func (j1979) send(c *Conn, m diag.Message) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty request", diag.ErrBadData)
	}
	if m.Src == 0 {
		m.Src = j1979Source
	}
	c.latchSource(m)
	if !c.l2Flags.Has(l2.ProtoFramed) {
		m.Data = withHeader(m.Data, c.src)
	}
	c.trace(diag.DebugWrite, "l3_send", "kind", c.kind, "data", fmt.Sprintf("% X", m.Data))
	return c.lower.Send(m)
}

func (j1979) recv(c *Conn, timeout time.Duration) (diag.Batch, error) {
	b, err := c.receive(timeout)
	if err == nil && c.debug.Has(diag.DebugData) {
		for _, m := range b {
			c.trace(diag.DebugData, "l3_recv", "decoded", DescribeJ1979(m))
		}
	}
	return b, err
}

func (j1979) timer(c *Conn, elapsed time.Duration) error {
	if c.l2Flags.Has(l2.ProtoKeepalive) || elapsed < j1979Timeout {
		return nil
	}
	var err error
	c.lower.Quietly(func() { err = ping(c) })
	return err
}

func (j1979) decode(m diag.Message) string { return DescribeJ1979(m) }

// ping requests Mode 1 PID 0 and checks for a positive answer.
func ping(c *Conn) error {
	b, err := c.Request(diag.Message{Data: pidZero, Src: c.src})
	if err != nil {
		return err
	}
	if d := b[0].Data; d[0] != 0x41 {
		return fmt.Errorf("%w: reply mode 0x%02X", diag.ErrBadData, d[0])
	}
	return nil
}

// withHeader frames data for a bus with no layer-2 framing: 68 6A src for
// requests, 48 6B src for responses, then the additive checksum.
func withHeader(data []byte, src byte) []byte {
	f := make([]byte, 0, headerLen+len(data)+1)
	if data[0] < diag.PositiveOffset {
		f = append(f, 0x68, 0x6A, src)
	} else {
		f = append(f, 0x48, 0x6B, src)
	}
	f = append(f, data...)
	return append(f, diag.Checksum8(f))
}

var requestLengths = [...]int{-1, 2, 3, 1, 1, 2, 2, 1, 7, 2}

// PredictLength returns the full frame length (3 header bytes, data and the
// checksum) of the J1979 message whose data starts at data[0], the mode
// byte. It fails with diag.ErrIncompleteData when more bytes are needed to
// tell, and diag.ErrBadData when the message cannot be sized.
func PredictLength(data []byte) (int, error) {
	n, err := dataLength(data)
	if err != nil {
		return 0, err
	}
	return headerLen + n + 1, nil
}

func dataLength(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, diag.ErrIncompleteData
	}
	mode := data[0]
	switch {
	case mode > 0x49:
		return 0, fmt.Errorf("%w: mode 0x%02X", diag.ErrBadData, mode)
	case mode < 0x41:
		if int(mode) < len(requestLengths) && requestLengths[mode] > 0 {
			return requestLengths[mode], nil
		}
		return 0, fmt.Errorf("%w: mode 0x%02X", diag.ErrBadData, mode)
	case mode == 0x43, mode == 0x46, mode == 0x47, mode == 0x48:
		return 7, nil
	case mode == 0x44:
		return 1, nil
	}
	if len(data) < 2 {
		return 0, diag.ErrIncompleteData
	}
	pid := data[1]
	switch mode {
	case 0x41, 0x42:
		n := pidLength(mode, pid)
		if n < 0 {
			return 0, fmt.Errorf("%w: mode 0x%02X pid 0x%02X", diag.ErrBadData, mode, pid)
		}
		if mode == 0x42 {
			n++ // frame number
		}
		return n, nil
	case 0x45:
		switch {
		case pid&0x1F == 0:
			return 7, nil
		case pid <= 4:
			return 4, nil
		}
		return 6, nil
	default: // 0x49
		if pid&0x1F == 0 || pid&1 == 1 {
			return 7, nil
		}
		return 3, nil
	}
}

// pidLength sizes Mode 1 and Mode 2 replies; -1 means unknown.
func pidLength(mode, pid byte) int {
	if pid&0x1F == 0 {
		return 6
	}
	switch {
	case pid == 0x01:
		if mode == 0x42 {
			return -1
		}
		return 6
	case pid == 0x02:
		if mode == 0x41 {
			return -1
		}
		return 4
	case pid == 0x03, pid == 0x0C, pid == 0x10, pid == 0x1F:
		return 4
	case pid >= 0x04 && pid <= 0x0B, pid >= 0x55 && pid <= 0x58:
		return 3
	case pid >= 0x0D && pid <= 0x0F, pid >= 0x11 && pid <= 0x13:
		return 3
	case pid >= 0x14 && pid <= 0x1B:
		return 4
	case pid >= 0x1C && pid <= 0x1E:
		return 2
	}
	return -1
}

// DescribeJ1979 renders a J1979 message for logs.
func DescribeJ1979(m diag.Message) string {
	d := m.Data
	if len(d) == 0 {
		return "J1979 empty message"
	}
	var sb strings.Builder
	if d[0]&diag.PositiveOffset != 0 {
		sb.WriteString("J1979 response ")
	} else {
		sb.WriteString("J1979 request ")
	}
	at := func(i int) byte {
		if i < len(d) {
			return d[i]
		}
		return 0
	}
	dump := func(from int) {
		for i := from; i < len(d); i++ {
			fmt.Fprintf(&sb, " 0x%02X", d[i])
		}
	}
	switch d[0] {
	case 0x01:
		fmt.Fprintf(&sb, "Mode 1 PID 0x%02X", at(1))
	case 0x41:
		fmt.Fprintf(&sb, "Mode 1 Data: PID 0x%02X", at(1))
		dump(2)
	case 0x02:
		fmt.Fprintf(&sb, "Mode 2 PID 0x%02X Frame 0x%02X", at(1), at(2))
	case 0x42:
		fmt.Fprintf(&sb, "Mode 2 FreezeFrame Data: PID 0x%02X Frame 0x%02X", at(1), at(2))
		dump(3)
	case 0x03:
		sb.WriteString("Mode 3 (Powertrain DTCs)")
	case 0x07:
		sb.WriteString("Request Non-Continuous Monitor System Test Results")
	case 0x43, 0x47:
		if d[0] == 0x47 {
			sb.WriteString("Non-Continuous Monitor System ")
		}
		sb.WriteString("DTCs:")
		for _, code := range DecodeDTCs(d[1:]) {
			sb.WriteString(" " + code)
		}
	case 0x04:
		sb.WriteString("Clear DTCs")
	case 0x44:
		sb.WriteString("DTCs cleared")
	case 0x05:
		fmt.Fprintf(&sb, "Oxygen Sensor Test ID 0x%02X Sensor 0x%02X", at(1), at(2))
	case 0x45:
		fmt.Fprintf(&sb, "Oxygen Sensor TID 0x%02X Sensor 0x%02X", at(1), at(2))
		dump(3)
	case 0x06:
		fmt.Fprintf(&sb, "Onboard monitoring test request TID 0x%02X", at(1))
	case 0x46:
		fmt.Fprintf(&sb, "Onboard monitoring test result TID 0x%02X", at(1))
		dump(2)
	case 0x08:
		fmt.Fprintf(&sb, "Request control of onboard system TID 0x%02X", at(1))
	case 0x48:
		fmt.Fprintf(&sb, "Control of onboard system response TID 0x%02X", at(1))
		dump(2)
	case 0x09:
		fmt.Fprintf(&sb, "Request vehicle information infotype 0x%02X", at(1))
	case 0x49:
		fmt.Fprintf(&sb, "Vehicle information infotype 0x%02X", at(1))
		dump(2)
	default:
		fmt.Fprintf(&sb, "UnknownType 0x%02X: Data Dump:", d[0])
		dump(0)
	}
	return sb.String()
}
