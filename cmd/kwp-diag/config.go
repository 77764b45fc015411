package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-kwp-diag/internal/adapter"
	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/hub"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
	"github.com/kstaniek/go-kwp-diag/internal/l3"
	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/kstaniek/go-kwp-diag/internal/tty"
)

const envPrefix = "KWP_DIAG_"

const (
	modeServe   = "serve"
	modeMonitor = "monitor"
	modeRequest = "request"

	l3None = "none"
)

// appConfig holds every setting. yaml keys are used by the -config file.
type appConfig struct {
	Adapter   string `yaml:"adapter"`
	Device    string `yaml:"device"`
	TTYDriver string `yaml:"tty_driver"`
	Power     bool   `yaml:"power"`
	Scenario  string `yaml:"scenario"`

	L2         string `yaml:"l2"`
	L3         string `yaml:"l3"`
	Init       string `yaml:"init"`
	Functional bool   `yaml:"functional"`
	IdleJ1978  bool   `yaml:"idle_j1978"`
	Bitrate    int    `yaml:"bitrate"`
	Target     int    `yaml:"target"`
	Source     int    `yaml:"source"`
	Debug      string `yaml:"debug"`

	// Timing overrides; zero keeps the protocol default.
	P2Max  time.Duration `yaml:"p2_max"`
	P2EMax time.Duration `yaml:"p2e_max"`
	P3Max  time.Duration `yaml:"p3_max"`
	P4Min  time.Duration `yaml:"p4_min"`

	Mode            string        `yaml:"mode"`
	Request         string        `yaml:"request"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`

	Listen          string        `yaml:"listen"`
	HubBuffer       int           `yaml:"hub_buffer"`
	HubPolicy       string        `yaml:"hub_policy"`
	MaxClients      int           `yaml:"max_clients"`
	HandshakeTO     time.Duration `yaml:"handshake_timeout"`
	ClientReadTO    time.Duration `yaml:"client_read_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	WSPath          string        `yaml:"ws_path"`
	LogMetricsEvery time.Duration `yaml:"log_metrics_interval"`
	MDNSEnable      bool          `yaml:"mdns_enable"`
	MDNSName        string        `yaml:"mdns_name"`
	LogFormat       string        `yaml:"log_format"`
	LogLevel        string        `yaml:"log_level"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		Adapter:         adapter.KindME,
		Device:          "/dev/ttyUSB0",
		TTYDriver:       tty.DriverTarm,
		L2:              "iso14230",
		L3:              "iso14230",
		Init:            "fast",
		Bitrate:         10400,
		Target:          0x33,
		Source:          0xF1,
		Mode:            modeServe,
		RequestTimeout:  200 * time.Millisecond,
		ConnectAttempts: 3,
		Listen:          ":20100",
		HubBuffer:       512,
		HubPolicy:       "drop",
		HandshakeTO:     3 * time.Second,
		ClientReadTO:    60 * time.Second,
		WSPath:          "/ws",
		LogFormat:       logging.FormatText,
		LogLevel:        "info",
	}
}

func registerFlags(fs *flag.FlagSet, c *appConfig, configPath *string, showVersion *bool) {
	fs.StringVar(configPath, "config", "", "YAML config file (flags and "+envPrefix+"* env override it)")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")

	fs.StringVar(&c.Adapter, "adapter", c.Adapter, "Interface adapter: "+strings.Join(adapter.Kinds, "|"))
	fs.StringVar(&c.Device, "device", c.Device, "Serial device path")
	fs.StringVar(&c.TTYDriver, "tty-driver", c.TTYDriver, "Serial driver: "+strings.Join(tty.Drivers, "|"))
	fs.BoolVar(&c.Power, "power", c.Power, "Power the adapter from DTR/RTS")
	fs.StringVar(&c.Scenario, "scenario", c.Scenario, "Scenario YAML for the sim adapter")

	fs.StringVar(&c.L2, "l2", c.L2, "Layer-2 protocol: iso14230|raw")
	fs.StringVar(&c.L3, "l3", c.L3, "Layer-3 protocol: iso14230|j1979|none")
	fs.StringVar(&c.Init, "init", c.Init, "Bus init: fast|slow|carb|monitor")
	fs.BoolVar(&c.Functional, "functional", c.Functional, "Use functional addressing")
	fs.BoolVar(&c.IdleJ1978, "idle-j1978", c.IdleJ1978, "Keepalive with mode 1 PID 0 instead of testerPresent")
	fs.IntVar(&c.Bitrate, "bitrate", c.Bitrate, "Bus bitrate")
	fs.IntVar(&c.Target, "target", c.Target, "ECU address (0x33 style accepted)")
	fs.IntVar(&c.Source, "source", c.Source, "Tester address")
	fs.StringVar(&c.Debug, "debug", c.Debug, "Protocol trace flags: open,close,read,write,timer,proto,data,all")

	fs.DurationVar(&c.P2Max, "p2-max", c.P2Max, "Override P2max")
	fs.DurationVar(&c.P2EMax, "p2e-max", c.P2EMax, "Override extended P2max")
	fs.DurationVar(&c.P3Max, "p3-max", c.P3Max, "Override P3max (keepalive at 2/3)")
	fs.DurationVar(&c.P4Min, "p4-min", c.P4Min, "Override P4min inter-byte gap")

	fs.StringVar(&c.Mode, "mode", c.Mode, "Run mode: serve|monitor|request")
	fs.StringVar(&c.Request, "request", c.Request, "Request bytes for -mode request, e.g. \"21 01\"")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Extra wait for further replies in -mode request")
	fs.IntVar(&c.ConnectAttempts, "connect-attempts", c.ConnectAttempts, "Connection attempts before giving up")

	fs.StringVar(&c.Listen, "listen", c.Listen, "Monitor TCP listen address")
	fs.IntVar(&c.HubBuffer, "hub-buffer", c.HubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&c.HubPolicy, "hub-policy", c.HubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "Maximum simultaneous clients (0 = unlimited)")
	fs.DurationVar(&c.HandshakeTO, "handshake-timeout", c.HandshakeTO, "Client handshake timeout")
	fs.DurationVar(&c.ClientReadTO, "client-read-timeout", c.ClientReadTO, "Per-connection read deadline")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Metrics and websocket HTTP address (e.g. :9100); empty disables")
	fs.StringVar(&c.WSPath, "ws-path", c.WSPath, "Websocket path on the metrics server")
	fs.DurationVar(&c.LogMetricsEvery, "log-metrics-interval", c.LogMetricsEvery, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.MDNSEnable, "mdns-enable", c.MDNSEnable, "Enable mDNS advertisement")
	fs.StringVar(&c.MDNSName, "mdns-name", c.MDNSName, "mDNS instance name (default kwp-diag-<hostname>)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
}

// loadConfig resolves settings with precedence flag > env > file > default.
func loadConfig(args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("kwp-diag", flag.ContinueOnError)
	var configPath string
	var showVersion bool
	registerFlags(fs, cfg, &configPath, &showVersion)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return cfg, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if configPath != "" {
		if err := loadFile(cfg, configPath); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, false, err
	}
	// The file and env may have overwritten explicit flags.
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// loadFile overlays the keys present in a YAML file. Unknown keys are errors.
func loadFile(c *appConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// envName maps a flag name to its environment variable: log-level becomes
// KWP_DIAG_LOG_LEVEL.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides maps KWP_DIAG_* variables onto flags that were not set
// explicitly. Empty values are ignored. Booleans also accept yes/no/on/off.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		if _, ok := set[f.Name]; ok {
			return
		}
		key := envName(f.Name)
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			switch strings.ToLower(v) {
			case "yes", "on":
				v = "true"
			case "no", "off":
				v = "false"
			}
		}
		if err := f.Value.Set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	})
	return firstErr
}

// validate checks values and ranges. It opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if !logging.ValidFormat(c.LogFormat) {
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	if !slices.Contains(adapter.Kinds, c.Adapter) {
		return fmt.Errorf("invalid adapter: %s", c.Adapter)
	}
	if c.Adapter == adapter.KindSim {
		if c.Scenario == "" {
			return errors.New("adapter sim needs -scenario")
		}
	} else {
		if c.Device == "" {
			return errors.New("device must be set")
		}
		if !slices.Contains(tty.Drivers, c.TTYDriver) {
			return fmt.Errorf("invalid tty-driver: %s", c.TTYDriver)
		}
	}
	if _, err := l2.ParseKind(c.L2); err != nil {
		return fmt.Errorf("invalid l2: %w", err)
	}
	if c.L3 != l3None {
		if _, err := l3.ParseKind(c.L3); err != nil {
			return fmt.Errorf("invalid l3: %w", err)
		}
	}
	if _, err := l2.ParseInitType(c.Init); err != nil {
		return fmt.Errorf("invalid init: %w", err)
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("bitrate must be >= 0 (got %d)", c.Bitrate)
	}
	if c.Target < 0 || c.Target > 0xFF {
		return fmt.Errorf("target out of range: %d", c.Target)
	}
	if c.Source < 0 || c.Source > 0xFF {
		return fmt.Errorf("source out of range: %d", c.Source)
	}
	if _, err := diag.ParseDebug(c.Debug); err != nil {
		return fmt.Errorf("invalid debug: %w", err)
	}
	if _, err := c.timing(); err != nil {
		return err
	}
	switch c.Mode {
	case modeServe, modeMonitor:
	case modeRequest:
		if _, err := c.requestBytes(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid mode: %s", c.Mode)
	}
	if c.RequestTimeout < 0 {
		return errors.New("request-timeout must be >= 0")
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect-attempts must be > 0 (got %d)", c.ConnectAttempts)
	}
	if _, err := hub.ParsePolicy(c.HubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %s", c.HubPolicy)
	}
	if c.HubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.HubBuffer)
	}
	if c.MaxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.HandshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.ClientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws-path must start with /: %q", c.WSPath)
	}
	if c.LogMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// timing returns the layer-2 timing with overrides applied, or nil when
// nothing is overridden.
func (c *appConfig) timing() (*l2.Timing, error) {
	if c.P2Max == 0 && c.P2EMax == 0 && c.P3Max == 0 && c.P4Min == 0 {
		return nil, nil
	}
	t := l2.DefaultTiming()
	if c.P2Max > 0 {
		t.P2Max = c.P2Max
	}
	if c.P2EMax > 0 {
		t.P2EMax = c.P2EMax
	}
	if c.P3Max > 0 {
		t.P3Max = c.P3Max
	}
	if c.P4Min > 0 {
		t.P4Min = c.P4Min
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing override: %w", err)
	}
	return &t, nil
}

func (c *appConfig) requestBytes() ([]byte, error) {
	b, err := diag.ParseHex(c.Request)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("-mode request needs -request")
	}
	return b, nil
}

// startArgs builds the layer-2 start arguments. Monitor mode always uses
// the monitor init.
func (c *appConfig) startArgs() l2.StartArgs {
	it, _ := l2.ParseInitType(c.Init)
	if c.Mode == modeMonitor {
		it = l2.MonitorInit
	}
	return l2.StartArgs{
		Init:       it,
		Functional: c.Functional,
		IdleJ1978:  c.IdleJ1978,
		Bitrate:    c.Bitrate,
		Target:     byte(c.Target),
		Source:     byte(c.Source),
	}
}
