package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	require.Equal(t, []string{"900 A", "900 B", "1800"}, cfg.AmplifierNames())
	require.Equal(t, "192.168.1.101", cfg.Amplifiers[1].Address)
	require.Equal(t, DefaultControlPort, cfg.AmplifierPort(0))
	require.Equal(t, 200*time.Millisecond, cfg.Global.ConnectionTimeout)
	require.Equal(t, 100*time.Millisecond, cfg.Global.ReportInterval)
	require.Equal(t, ":8000", cfg.Server.Listen)
}

func TestLoadConfigFile(t *testing.T) {
	const raw = `
amplifiers:
  - name: "900 A"
    address: 10.0.0.1
  - name: "1800"
    address: 10.0.0.2
    port: 20001
global:
  report_interval: 250ms
  max_output: 43
server:
  listen: ":9000"
  gnmi_listen: ":9339"
logging:
  level: debug
  format: text
alerts:
  enabled: true
  field_severity:
    temperature: critical
  channels:
    ops:
      type: apprise
      url_env: APPRISE_OPS_URL
      escalation_delay: 10m
  alert_rules:
    default:
      channels: [ops]
`
	path := filepath.Join(t.TempDir(), "ampctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Amplifiers, 2)
	require.Equal(t, DefaultControlPort, cfg.AmplifierPort(0))
	require.Equal(t, 20001, cfg.AmplifierPort(1))
	require.Equal(t, 250*time.Millisecond, cfg.Global.ReportInterval)
	require.Equal(t, DefaultConnectionTimeout, cfg.Global.ConnectionTimeout)
	require.Equal(t, 43, cfg.Global.MaxOutput)
	require.Equal(t, ":9339", cfg.Server.GNMIListen)
	require.Equal(t, "critical", cfg.SeverityFor("temperature"))
	require.Equal(t, "warning", cfg.SeverityFor("input"))
	require.Equal(t, 10*time.Minute, cfg.Alerts.Channels["ops"].EscalationDelay)
}

func TestValidateConfigErrors(t *testing.T) {
	cases := map[string]string{
		"no amplifiers":  `amplifiers: []`,
		"missing addr":   "amplifiers:\n  - name: a\n",
		"missing name":   "amplifiers:\n  - address: 1.2.3.4\n",
		"bad level":      "amplifiers:\n  - {name: a, address: h}\nlogging:\n  level: loud\n",
		"bad format":     "amplifiers:\n  - {name: a, address: h}\nlogging:\n  format: xml\n",
		"loki no url":    "amplifiers:\n  - {name: a, address: h}\nlogging:\n  loki:\n    enabled: true\n",
		"bad channel":    "amplifiers:\n  - {name: a, address: h}\nalerts:\n  channels:\n    x: {type: smtp, url_env: X}\n",
		"unknown route":  "amplifiers:\n  - {name: a, address: h}\nalerts:\n  alert_rules:\n    default: {channels: [nope]}\n",
		"reconnect span": "amplifiers:\n  - {name: a, address: h}\nglobal:\n  reconnect_min: 10s\n  reconnect_max: 1s\n",
	}
	for name, raw := range cases {
		_, err := Parse([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
