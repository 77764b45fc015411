package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, showVersion, err := loadConfig(nil)
	if err != nil || showVersion {
		t.Fatalf("loadConfig: %v %v", err, showVersion)
	}
	if cfg.Adapter != "me" || cfg.L2 != "iso14230" || cfg.Mode != modeServe || cfg.Target != 0x33 || cfg.Source != 0xF1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if tm, _ := cfg.timing(); tm != nil {
		t.Fatalf("timing override without settings: %+v", tm)
	}
}

func TestLoadConfig_Version(t *testing.T) {
	_, showVersion, err := loadConfig([]string{"-version"})
	if err != nil || !showVersion {
		t.Fatalf("got %v %v", showVersion, err)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	file := writeFile(t, "kwp.yaml", `
adapter: sim
scenario: /tmp/ecu.yaml
l2: raw
l3: j1979
target: 0x10
listen: ":1111"
hub_buffer: 64
p3_max: 3s
`)
	t.Setenv("KWP_DIAG_LISTEN", ":2222")
	t.Setenv("KWP_DIAG_HUB_BUFFER", "128")
	t.Setenv("KWP_DIAG_MDNS_ENABLE", "yes")

	cfg, _, err := loadConfig([]string{"-config", file, "-hub-buffer", "256"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Adapter != "sim" || cfg.L2 != "raw" || cfg.L3 != "j1979" || cfg.Target != 0x10 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Listen != ":2222" {
		t.Fatalf("env should beat file, listen = %q", cfg.Listen)
	}
	if cfg.HubBuffer != 256 {
		t.Fatalf("flag should beat env, hub buffer = %d", cfg.HubBuffer)
	}
	if !cfg.MDNSEnable {
		t.Fatalf("mdns enable from env not applied")
	}
	tm, err := cfg.timing()
	if err != nil || tm == nil || tm.P3Max != 3*time.Second {
		t.Fatalf("timing = %+v, %v", tm, err)
	}
}

func TestLoadConfig_ConfigFromEnv(t *testing.T) {
	file := writeFile(t, "kwp.yaml", "mode: monitor\n")
	t.Setenv("KWP_DIAG_CONFIG", file)
	cfg, _, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Mode != modeMonitor {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if got := cfg.startArgs().Init.String(); got != "monitor" {
		t.Fatalf("monitor mode init = %s", got)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		args []string
		want string
	}{
		{name: "unknown file key", file: "bogus: 1\n", want: "bogus"},
		{name: "bad env int", env: map[string]string{"KWP_DIAG_HUB_BUFFER": "lots"}, want: "KWP_DIAG_HUB_BUFFER"},
		{name: "bad env duration", env: map[string]string{"KWP_DIAG_P3_MAX": "soon"}, want: "KWP_DIAG_P3_MAX"},
		{name: "bad flag", args: []string{"-no-such-flag"}, want: "no-such-flag"},
		{name: "sim without scenario", args: []string{"-adapter", "sim"}, want: "scenario"},
		{name: "bad l3", args: []string{"-l3", "uds"}, want: "l3"},
		{name: "bad init", args: []string{"-init", "warm"}, want: "init"},
		{name: "target range", args: []string{"-target", "0x100"}, want: "target"},
		{name: "bad debug", args: []string{"-debug", "everything"}, want: "debug"},
		{name: "request needs bytes", args: []string{"-mode", "request"}, want: "-request"},
		{name: "inverted timing", args: []string{"-p2-max", "10ms"}, want: "timing"},
		{name: "ws path", args: []string{"-ws-path", "ws"}, want: "ws-path"},
		{name: "connect attempts", args: []string{"-connect-attempts", "0"}, want: "connect-attempts"},
		{name: "hub policy", args: []string{"-hub-policy", "block"}, want: "hub-policy"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			args := tc.args
			if tc.file != "" {
				args = append([]string{"-config", writeFile(t, "c.yaml", tc.file)}, args...)
			}
			_, _, err := loadConfig(args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestEnvName(t *testing.T) {
	if got := envName("log-metrics-interval"); got != "KWP_DIAG_LOG_METRICS_INTERVAL" {
		t.Fatalf("envName = %s", got)
	}
}
