package adapter

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// Scenario is a scripted ECU loaded from YAML:
//
//	link:
//	  no_l2_checksum: true
//	exchanges:
//	  - request: "81 10 F1 81"
//	    responses: ["C1 8F 0A"]
//	  - request: "21 01"
//	    responses: ["61 01 saw 00 cks"]
type Scenario struct {
	Link struct {
		NoL2Frame    bool `yaml:"no_l2_frame"`
		NoL2Checksum bool `yaml:"no_l2_checksum"`
	} `yaml:"link"`
	Exchanges []Exchange `yaml:"exchanges"`
}

// Exchange maps a request prefix to the responses it triggers.
type Exchange struct {
	Request   string   `yaml:"request"`
	Responses []string `yaml:"responses"`

	req []byte
}

// Response tokens evaluated when a response is queued.
const (
	tokenChecksum = "cks" // additive checksum of the preceding bytes
	tokenSawtooth = "saw" // 0..255 ramp with a one second period
	tokenSine     = "sin" // 0..255 sine with a one second period
)

// LoadScenario parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	return ParseScenario(b)
}

// ParseScenario parses scenario YAML and validates every request and
// response line.
func ParseScenario(b []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("sim: parse scenario: %w", err)
	}
	for i := range sc.Exchanges {
		ex := &sc.Exchanges[i]
		req, err := diag.ParseHex(ex.Request)
		if err != nil || len(req) == 0 {
			return nil, fmt.Errorf("sim: exchange %d request %q: %w", i, ex.Request, diag.ErrBadData)
		}
		ex.req = req
		for _, r := range ex.Responses {
			if _, err := evalResponse(r, time.Time{}); err != nil {
				return nil, fmt.Errorf("sim: exchange %d: %w", i, err)
			}
		}
	}
	return &sc, nil
}

func evalResponse(line string, now time.Time) ([]byte, error) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	out := make([]byte, 0, len(fields))
	phase := float64(now.Nanosecond()) / float64(time.Second)
	for _, f := range fields {
		switch strings.ToLower(f) {
		case tokenChecksum:
			out = append(out, diag.Checksum8(out))
		case tokenSawtooth:
			out = append(out, byte(0xFF*phase))
		case tokenSine:
			out = append(out, byte(127.5+127.5*math.Sin(2*math.Pi*phase)))
		default:
			v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 8)
			if err != nil {
				return nil, fmt.Errorf("response %q token %q: %w", line, f, diag.ErrBadData)
			}
			out = append(out, byte(v))
		}
	}
	return out, nil
}

// Sim is a diag.Link answering from a Scenario.
type Sim struct {
	sc     *Scenario
	log    *slog.Logger
	debug  diag.Debug
	queue  [][]byte
	closed bool
}

// OpenSim loads the scenario at path.
func OpenSim(path string, o Options) (*Sim, error) {
	sc, err := LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return NewSim(sc, o), nil
}

func NewSim(sc *Scenario, o Options) *Sim {
	s := &Sim{sc: sc, log: o.logger(), debug: o.Debug}
	if s.debug.Has(diag.DebugOpen) {
		s.log.Debug("sim_open", "exchanges", len(sc.Exchanges))
	}
	return s
}

func (s *Sim) Flags() diag.LinkFlags {
	f := diag.LinkSlowInit | diag.LinkFastInit | diag.LinkPrefFast | diag.LinkDoesP4Wait
	if s.sc.Link.NoL2Checksum {
		f |= diag.LinkDoesL2Checksum | diag.LinkStripsL2Checksum
	}
	if s.sc.Link.NoL2Frame {
		f |= diag.LinkDoesL2Frame
	}
	return f
}

func (s *Sim) SetSpeed(int) error { return nil }

func (s *Sim) FlushInput() error { return nil }

func (s *Sim) Close() error {
	s.closed = true
	s.queue = nil
	return nil
}

func (s *Sim) InitBus(args diag.InitArgs) error {
	s.queue = nil
	switch args.Kind {
	case diag.InitFast:
		// the wake-up pattern shows up as a single zero byte
		return s.Send([]byte{0x00}, 0)
	case diag.Init5Baud:
		if err := s.Send([]byte{args.Addr}, 0); err != nil {
			return err
		}
		var sync [1]byte
		_, _ = s.Recv(sync[:], 0)
		return nil
	default:
		return diag.ErrInitNotSupported
	}
}

func (s *Sim) Send(p []byte, _ time.Duration) error {
	if s.closed {
		return diag.ErrGeneral
	}
	if len(s.queue) > 0 {
		return fmt.Errorf("sim: send with %d unread responses: %w", len(s.queue), diag.ErrGeneral)
	}
	if s.debug.Has(diag.DebugWrite) {
		s.log.Debug("sim_send", "data", fmt.Sprintf("% X", p))
	}
	now := nowFn()
	for _, ex := range s.sc.Exchanges {
		n := min(len(p), len(ex.req))
		if !bytes.Equal(p[:n], ex.req[:n]) {
			continue
		}
		for _, r := range ex.Responses {
			b, err := evalResponse(r, now)
			if err != nil {
				return err
			}
			s.queue = append(s.queue, b)
		}
		break
	}
	return nil
}

// Recv returns the next queued response. A response larger than p is
// delivered over several calls.
func (s *Sim) Recv(p []byte, _ time.Duration) (int, error) {
	if len(s.queue) == 0 {
		return 0, diag.ErrTimeout
	}
	head := s.queue[0]
	n := copy(p, head)
	if n < len(head) {
		s.queue[0] = head[n:]
	} else {
		s.queue = s.queue[1:]
	}
	if s.debug.Has(diag.DebugRead) {
		s.log.Debug("sim_recv", "data", fmt.Sprintf("% X", p[:n]))
	}
	return n, nil
}

// Pending reports how many responses are still queued.
func (s *Sim) Pending() int { return len(s.queue) }
