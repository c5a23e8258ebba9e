package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
log_level: debug
store:
  driver: sqlite
  dsn: /tmp/mn.db
retention_days: 14
sweep_interval: 12h
sink:
  kind: nsq
  nsqd_addr: 127.0.0.1:4150
accounts:
  - label: sales
    host: imap.example.com
    port: 993
    username: sales@example.com
    password: secret
    use_tls: true
    poll_interval: 90s
  - label: support
    protocol: pop3
    host: pop.example.com
    port: 995
    username: support@example.com
    password_ref: support-pop3
    mode: idle
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if got := cfg.RetentionWindow(); got != 14*24*time.Hour {
		t.Errorf("retention = %v", got)
	}
	if cfg.SweepInterval.Std() != 12*time.Hour {
		t.Errorf("sweep interval = %v", cfg.SweepInterval.Std())
	}
	if cfg.Preview.MaxLength != 600 {
		t.Errorf("preview length = %d", cfg.Preview.MaxLength)
	}
	if cfg.Sink.NotifyTopic != "mail.notify" {
		t.Errorf("notify topic = %q", cfg.Sink.NotifyTopic)
	}

	sales := cfg.Accounts[0]
	if sales.Protocol != ProtocolIMAP || !sales.Idle() {
		t.Errorf("sales: protocol=%q mode=%q", sales.Protocol, sales.Mode)
	}
	if sales.GetPollInterval() != 90*time.Second {
		t.Errorf("sales poll interval = %v", sales.GetPollInterval())
	}
	if sales.GetFolder() != "INBOX" || sales.GetIdleTimeout() != 25*time.Minute {
		t.Errorf("sales folder=%q idle timeout=%v", sales.GetFolder(), sales.GetIdleTimeout())
	}

	support := cfg.Accounts[1]
	if support.Idle() || support.Mode != ModePoll {
		t.Errorf("pop3 account must poll, got mode %q", support.Mode)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no accounts",
			yaml: "store: {driver: sqlite, dsn: x.db}\n",
			want: "at least one account",
		},
		{
			name: "duplicate label",
			yaml: `
accounts:
  - {label: a, host: h, port: 1, username: u, password: p}
  - {label: a, host: h, port: 1, username: u, password: p}
`,
			want: "duplicate label",
		},
		{
			name: "bad driver",
			yaml: `
store: {driver: bolt, dsn: x}
accounts:
  - {label: a, host: h, port: 1, username: u, password: p}
`,
			want: "store.driver",
		},
		{
			name: "missing password",
			yaml: `
accounts:
  - {label: a, host: h, port: 1, username: u}
`,
			want: "password",
		},
		{
			name: "bad filter",
			yaml: `
filter: {patterns: ["(unclosed"]}
accounts:
  - {label: a, host: h, port: 1, username: u, password: p}
`,
			want: "filter pattern",
		},
		{
			name: "nsq without address",
			yaml: `
sink: {kind: nsq}
accounts:
  - {label: a, host: h, port: 1, username: u, password: p}
`,
			want: "nsqd_addr",
		},
		{
			name: "smtp without recipients",
			yaml: `
sink: {kind: smtp, smtp: {host: relay, port: 587, from: bot@x}}
accounts:
  - {label: a, host: h, port: 1, username: u, password: p}
`,
			want: "sink.smtp.to",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts = %d", len(cfg.Accounts))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
