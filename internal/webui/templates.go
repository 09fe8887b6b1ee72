package webui

import (
	"embed"
	"html/template"
	"io/fs"
	"time"

	"github.com/ampctl/ampctl/internal/amplifier"
	"github.com/ampctl/ampctl/internal/evaluator"
)

//go:embed static
var staticFiles embed.FS

// Static returns the files served under /static/.
func Static() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// FieldView describes how one report field is labelled on a card
type FieldView struct {
	Key   string
	Label string
	Unit  string
}

var fieldLabels = map[string]FieldView{
	amplifier.FieldOutput:          {Label: "Output", Unit: "dBm"},
	amplifier.FieldInput:           {Label: "Input", Unit: "dBm"},
	amplifier.FieldReflected:       {Label: "Reflected", Unit: "dBm"},
	amplifier.FieldVSWR:            {Label: "VSWR"},
	amplifier.FieldTemperature:     {Label: "Temperature", Unit: "°C"},
	amplifier.FieldRequestedOutput: {Label: "Requested", Unit: "dBm"},
}

// ReportFields lists the card fields in report order.
func ReportFields() []FieldView {
	views := make([]FieldView, 0, len(amplifier.ReportFields))
	for _, key := range amplifier.ReportFields {
		v := fieldLabels[key]
		v.Key = key
		if v.Label == "" {
			v.Label = key
		}
		views = append(views, v)
	}
	return views
}

// Limits are the safe operating ranges the page script checks against
type Limits struct {
	InputMin        int `json:"input_min"`
	InputMax        int `json:"input_max"`
	ReflectedMargin int `json:"reflected_margin"`
	TemperatureMin  int `json:"temperature_min"`
	TemperatureMax  int `json:"temperature_max"`
}

func currentLimits() Limits {
	return Limits{
		InputMin:        evaluator.InputMin,
		InputMax:        evaluator.InputMax,
		ReflectedMargin: evaluator.ReflectedMargin,
		TemperatureMin:  evaluator.TemperatureMin,
		TemperatureMax:  evaluator.TemperatureMax,
	}
}

// AmplifierView holds one amplifier card
type AmplifierView struct {
	Index          int
	Name           string
	Address        string
	Connected      bool
	ConnectedSince time.Time
	LastReport     time.Time
	ReportCount    int64
	Reconnects     int
	LastError      string
	MaxOutput      int
}

// AlertView holds one active alert
type AlertView struct {
	Amplifier string
	Field     string
	Severity  string
	Message   string
}

// ConfigView summarises the running configuration
type ConfigView struct {
	ControlPort       int
	ConnectionTimeout string
	ReportInterval    string
	MaxOutput         int
	ConfigPath        string
	GNMIListen        string
}

// PageData holds all data for the dashboard page
type PageData struct {
	Title          string
	Amplifiers     []AmplifierView
	ConnectedCount int
	AlertCount     int
	Uptime         string
	Alerts         []AlertView
	Logs           []LogEntry
	Config         ConfigView
	Version        string
	Commit         string
	BuildDate      string
}

// AmplifierPageData holds data for the amplifier detail page
type AmplifierPageData struct {
	Title     string
	Amplifier AmplifierView
	Alerts    []AlertView
	Logs      []LogEntry
	Version   string
	Commit    string
	BuildDate string
}

// Templates contains all HTML templates for the web UI
var Templates = template.Must(template.New("").Funcs(template.FuncMap{
	"levelClass": func(level string) string {
		switch level {
		case "error", "fatal", "panic":
			return "log-error"
		case "warn":
			return "log-warn"
		case "debug", "trace":
			return "log-debug"
		default:
			return "log-info"
		}
	},
	"reportFields": ReportFields,
	"limits":       currentLimits,
}).Parse(`
{{define "head"}}
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <link rel="stylesheet" href="/static/style.css">
</head>
{{end}}

{{define "foot"}}
    <script>window.ampLimits = {{limits}};</script>
    <script src="/static/amplifiers.js"></script>
</body>
</html>
{{end}}

{{define "card"}}
<div class="card" data-index="{{.Index}}"><div class="card-header">{{.Name}}</div>
    <div class="card-body">
        <div class="card-meta">
            <span class="status-dot {{if .Connected}}connected{{end}}"></span>
            <a href="/amplifier/{{.Index}}">{{.Address}}</a>
        </div>
        <div class="readings">
            {{range reportFields}}
            <span class="reading-label">{{.Label}}</span>
            <span><span class="{{.Key}}">-</span>{{if .Unit}}<span class="reading-unit">{{.Unit}}</span>{{end}}</span>
            {{end}}
        </div>
        <form class="configure">
            <input name="output" type="number" min="0" max="{{.MaxOutput}}" placeholder="Output (dBm)" required>
            <input type="submit" class="btn" value="Set">
        </form>
    </div>
</div>
{{end}}

{{define "base"}}
{{template "head" .}}
<body>
    <div class="container">
        {{template "content" .}}
    </div>
{{template "foot" .}}
{{end}}

{{define "content"}}
        <header>
            <h1>{{.Title}}</h1>
            <div class="status-badge">
                {{if .Version}}{{.Version}}{{if and .Commit (ne .Commit "unknown")}} <span class="muted">({{.Commit | printf "%.7s"}})</span>{{end}}{{else}}dev{{end}}
            </div>
        </header>

        <div class="stats-grid">
            <div class="stat-card">
                <div class="stat-label">Amplifiers</div>
                <div class="stat-value blue">{{len .Amplifiers}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Connected</div>
                <div class="stat-value {{if lt .ConnectedCount (len .Amplifiers)}}red{{else}}green{{end}}">{{.ConnectedCount}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Active Alerts</div>
                <div class="stat-value {{if gt .AlertCount 0}}red{{else}}green{{end}}">{{.AlertCount}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Uptime</div>
                <div class="stat-value green">{{.Uptime}}</div>
            </div>
        </div>

        <div class="amplifiers">
            {{range .Amplifiers}}{{template "card" .}}{{end}}
        </div>

        <div class="grid">
            <div class="panel">
                <div class="panel-header">Active Alerts</div>
                <div class="panel-body no-padding">
                    {{template "alerts" .Alerts}}
                </div>
            </div>

            <div class="panel">
                <div class="panel-header">Configuration</div>
                <div class="panel-body">
                    <div class="config-details">
                        <div class="config-row">
                            <span class="config-key">Control Port</span>
                            <span class="config-value">{{.Config.ControlPort}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Connection Timeout</span>
                            <span class="config-value">{{.Config.ConnectionTimeout}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Report Interval</span>
                            <span class="config-value">{{.Config.ReportInterval}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Max Output</span>
                            <span class="config-value">{{.Config.MaxOutput}}</span>
                        </div>
                        {{if .Config.GNMIListen}}
                        <div class="config-row">
                            <span class="config-key">gNMI Export</span>
                            <span class="config-value">{{.Config.GNMIListen}}</span>
                        </div>
                        {{end}}
                        {{if .Config.ConfigPath}}
                        <div class="config-row">
                            <span class="config-key">Config File</span>
                            <span class="config-value">{{.Config.ConfigPath}}</span>
                        </div>
                        {{end}}
                        {{if and .BuildDate (ne .BuildDate "unknown")}}
                        <div class="config-row">
                            <span class="config-key">Build Date</span>
                            <span class="config-value">{{.BuildDate}}</span>
                        </div>
                        {{end}}
                    </div>
                </div>
            </div>
        </div>

        <div class="panel">
            <div class="panel-header">Recent Logs</div>
            <div class="panel-body no-padding" data-log-poll="/api/logs?limit=100">
                {{template "logs" .Logs}}
            </div>
        </div>
{{end}}

{{define "alerts"}}
{{if .}}
<ul class="alert-list">
    {{range .}}
    <li class="alert-item">
        <span class="alert-severity {{.Severity}}">{{.Severity}}</span>
        <div class="alert-content">
            <h4>{{.Amplifier}} - {{.Field}}</h4>
            <p>{{.Message}}</p>
        </div>
    </li>
    {{end}}
</ul>
{{else}}
<div class="empty-state">
    <p>No active alerts</p>
    <p>All amplifiers are within their safe ranges</p>
</div>
{{end}}
{{end}}

{{define "logs"}}
<div class="log-container">
    {{range .}}
    <div class="log-entry {{levelClass .Level}}">
        <span class="log-time">{{.Timestamp.Format "15:04:05"}}</span>
        <span class="log-level">{{.Level}}</span>
        <span class="log-message">{{.Message}}</span>
    </div>
    {{else}}
    <div class="empty-state">No log entries</div>
    {{end}}
</div>
{{end}}

{{define "amplifier"}}
{{template "head" .}}
<body>
    <div class="container">
        <header>
            <div>
                <a href="/">&larr; Back to dashboard</a>
                <h1>{{.Amplifier.Name}}</h1>
            </div>
            <span class="status-badge">
                <span class="status-dot {{if .Amplifier.Connected}}connected{{end}}"></span>
                {{if .Amplifier.Connected}}Connected{{else}}Disconnected{{end}}
            </span>
        </header>

        <div class="grid">
            <div class="amplifiers">
                {{template "card" .Amplifier}}
            </div>

            <div class="panel">
                <div class="panel-header">Connection</div>
                <div class="panel-body">
                    <div class="config-details">
                        <div class="config-row">
                            <span class="config-key">Address</span>
                            <span class="config-value">{{.Amplifier.Address}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Connected Since</span>
                            <span class="config-value">{{if .Amplifier.ConnectedSince.IsZero}}Never{{else}}{{.Amplifier.ConnectedSince.Format "2006-01-02 15:04:05"}}{{end}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Last Report</span>
                            <span class="config-value">{{if .Amplifier.LastReport.IsZero}}Never{{else}}{{.Amplifier.LastReport.Format "2006-01-02 15:04:05"}}{{end}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Reports</span>
                            <span class="config-value">{{.Amplifier.ReportCount}}</span>
                        </div>
                        <div class="config-row">
                            <span class="config-key">Reconnects</span>
                            <span class="config-value">{{.Amplifier.Reconnects}}</span>
                        </div>
                        {{if .Amplifier.LastError}}
                        <div class="config-row">
                            <span class="config-key">Last Error</span>
                            <span class="config-value bad">{{.Amplifier.LastError}}</span>
                        </div>
                        {{end}}
                    </div>
                </div>
            </div>
        </div>

        <div class="grid">
            <div class="panel">
                <div class="panel-header">Active Alerts</div>
                <div class="panel-body no-padding">
                    {{template "alerts" .Alerts}}
                </div>
            </div>
            <div class="panel">
                <div class="panel-header">Amplifier Logs</div>
                <div class="panel-body no-padding">
                    {{template "logs" .Logs}}
                </div>
            </div>
        </div>
    </div>
{{template "foot" .}}
{{end}}
`))
