package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ampctl/ampctl/internal/amplifier"
	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/dashboard"
	"github.com/ampctl/ampctl/internal/evaluator"
	"github.com/ampctl/ampctl/internal/metrics"
	"github.com/ampctl/ampctl/internal/simulator"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/ampctl/ampctl/internal/types"
	"github.com/ampctl/ampctl/internal/webui"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type change struct {
	index  int
	output uint16
}

type fakeAmplifiers struct {
	statuses []amplifier.Status
	applied  bool
	err      error

	mu      sync.Mutex
	changes []change
}

func (f *fakeAmplifiers) Statuses() []amplifier.Status {
	return f.statuses
}

func (f *fakeAmplifiers) ChangeOutput(ctx context.Context, index int, output uint16) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change{index, output})
	return f.applied, f.err
}

func (f *fakeAmplifiers) all() []change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]change(nil), f.changes...)
}

type fakeAlerts []*types.Alert

func (f fakeAlerts) GetActiveAlerts() []*types.Alert { return f }

func newFakeAmplifiers() *fakeAmplifiers {
	return &fakeAmplifiers{
		applied: true,
		statuses: []amplifier.Status{
			{Index: 0, Name: "900 A", Address: "10.0.0.1:10001", Health: amplifier.Health{Connected: true, ReportCount: 12}},
			{Index: 1, Name: "900 B", Address: "10.0.0.2:10001"},
		},
	}
}

type fixture struct {
	server *Server
	hub    *telemetry.Hub
	amps   *fakeAmplifiers
	reg    *prometheus.Registry
	http   *httptest.Server
}

func newFixture(t *testing.T, alerts Alerts) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Amplifiers = cfg.Amplifiers[:2]

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheusCollector(reg)
	require.NoError(t, err)

	hub := telemetry.NewHub(zerolog.Nop(), collector)
	amps := newFakeAmplifiers()
	s := NewServer(cfg, hub, amps, alerts, zerolog.Nop())
	s.SetMetrics(collector, reg)
	s.SetConfigPath("/etc/ampctl/config.yaml")

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		srv.Close()
	})
	return &fixture{server: s, hub: hub, amps: amps, reg: reg, http: srv}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/x-www-form-urlencoded", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) getJSON(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func (f *fixture) configureCount(t *testing.T, result string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	var family *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "ampctl_configure_requests_total" {
			family = mf
		}
	}
	if family == nil {
		return 0
	}
	for _, m := range family.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "result" && l.GetValue() == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestConfigureAppliesOutput(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.post(t, "/configure/1", "output=30")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1.0, body["index"])
	require.Equal(t, 30.0, body["output"])
	require.Equal(t, true, body["applied"])
	require.Equal(t, []change{{1, 30}}, f.amps.all())
	require.Equal(t, 1.0, f.configureCount(t, ResultApplied))
}

func TestConfigureNotConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.amps.applied = false

	resp, body := f.post(t, "/configure/0", "output=0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["applied"])
	require.Equal(t, 1.0, f.configureCount(t, ResultNotConnected))
}

func TestConfigureRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	for _, tc := range []struct {
		path, body string
		status     int
	}{
		{"/configure/2", "output=10", http.StatusBadRequest},
		{"/configure/-1", "output=10", http.StatusBadRequest},
		{"/configure/x", "output=10", http.StatusBadRequest},
		{"/configure/01", "output=10", http.StatusBadRequest},
		{"/configure/0", "", http.StatusUnprocessableEntity},
		{"/configure/0", "output=51", http.StatusUnprocessableEntity},
		{"/configure/0", "output=-1", http.StatusUnprocessableEntity},
		{"/configure/0", "output=2.5", http.StatusUnprocessableEntity},
		{"/configure/0", "power=10", http.StatusUnprocessableEntity},
	} {
		resp, body := f.post(t, tc.path, tc.body)
		require.Equal(t, tc.status, resp.StatusCode, "%s %q", tc.path, tc.body)
		require.NotEmpty(t, body["error"])
	}
	require.Empty(t, f.amps.all())
	require.Equal(t, 4.0, f.configureCount(t, ResultBadIndex))
	require.Equal(t, 5.0, f.configureCount(t, ResultInvalid))
}

func TestConfigureRequiresPost(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.http.URL + "/configure/0?output=10")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	require.Empty(t, f.amps.all())
}

func TestConfigureReportsAmplifierErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.amps.err = errors.New("connection reset")

	resp, body := f.post(t, "/configure/0", "output=10")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, body["error"], "connection reset")
	require.Equal(t, 1.0, f.configureCount(t, ResultError))
}

func TestStatusAndAlerts(t *testing.T) {
	fired := time.Now()
	alerts := fakeAlerts{{
		ID: "0:temperature:out_of_range", Amplifier: 0, Name: "900 A", Field: "temperature",
		Severity: "critical", State: types.StateFiring, FiredAt: fired, Message: "900 A temperature out of range: 91 (limit 0..80)",
	}}
	f := newFixture(t, alerts)

	var status map[string]interface{}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/status", &status))
	require.Equal(t, 2.0, status["amplifiers"])
	require.Equal(t, 1.0, status["connected"])
	require.Equal(t, 1.0, status["active_alerts"])

	var body struct {
		Alerts []types.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/alerts", &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "temperature", body.Alerts[0].Field)

	var health map[string]string
	require.Equal(t, http.StatusOK, f.getJSON(t, "/health", &health))
	require.Equal(t, "healthy", health["status"])
}

func TestAmplifiersAPI(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(telemetry.NewReport(0, telemetry.Number("output", 45), telemetry.Number("temperature", 41)))

	var list struct {
		Amplifiers []struct {
			Index     int                    `json:"index"`
			Name      string                 `json:"name"`
			Connected bool                   `json:"connected"`
			Report    map[string]interface{} `json:"report"`
		} `json:"amplifiers"`
		MaxOutput int `json:"max_output"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/amplifiers", &list))
	require.Len(t, list.Amplifiers, 2)
	require.Equal(t, 50, list.MaxOutput)
	require.Equal(t, "900 A", list.Amplifiers[0].Name)
	require.True(t, list.Amplifiers[0].Connected)
	require.Equal(t, 45.0, list.Amplifiers[0].Report["output"])
	require.Nil(t, list.Amplifiers[1].Report)

	var missing map[string]string
	require.Equal(t, http.StatusNotFound, f.getJSON(t, "/api/amplifiers/7", &missing))
}

func TestLogsAPI(t *testing.T) {
	f := newFixture(t, nil)
	lb := webui.NewLogBuffer(10)
	f.server.SetLogBuffer(lb)
	logger := zerolog.New(lb)
	logger.Info().Str("amplifier", "900 A").Msg("Amplifier connected")
	logger.Warn().Str("amplifier", "900 B").Msg("Amplifier unreachable")
	logger.Debug().Msg("Polling")

	var body struct {
		Entries []webui.LogEntry `json:"entries"`
		Count   int              `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/logs", &body))
	require.Equal(t, 3, body.Count)

	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/logs?level=warn", &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "Amplifier unreachable", body.Entries[0].Message)

	var detail struct {
		Logs []webui.LogEntry `json:"logs"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/amplifiers/0", &detail))
	require.Len(t, detail.Logs, 1)
	require.Equal(t, "Amplifier connected", detail.Logs[0].Message)

	var bad map[string]string
	require.Equal(t, http.StatusBadRequest, f.getJSON(t, "/api/logs?limit=zero", &bad))
	require.Equal(t, http.StatusBadRequest, f.getJSON(t, "/api/logs?level=loud", &bad))
}

func TestAmplifierLogsIncludeIndexOnlyLines(t *testing.T) {
	f := newFixture(t, nil)
	lb := webui.NewLogBuffer(20)
	f.server.SetLogBuffer(lb)
	logger := zerolog.New(lb).Level(zerolog.DebugLevel)

	hub := telemetry.NewHub(logger, metrics.Noop())
	_, cancel := hub.Subscribe(1)
	defer cancel()
	hub.Publish(telemetry.NewReport(1, telemetry.Number("input", 1)))
	hub.Publish(telemetry.NewReport(1, telemetry.Number("input", 2)))

	eval := evaluator.NewEvaluator(config.Default(), logger)
	eval.EvaluateReport(telemetry.NewReport(1, telemetry.Number("reflected", 20)))
	logger.Info().Str("amplifier", "900 A").Msg("Amplifier connected")

	var detail struct {
		Logs []webui.LogEntry `json:"logs"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/amplifiers/1", &detail))
	var messages []string
	for _, e := range detail.Logs {
		messages = append(messages, e.Message)
	}
	require.Contains(t, messages, "Subscriber channel full, dropping report")
	require.Contains(t, messages, "Skipping field")
	require.NotContains(t, messages, "Amplifier connected")

	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/amplifiers/0", &detail))
	require.Len(t, detail.Logs, 1)
	require.Equal(t, "Amplifier connected", detail.Logs[0].Message)
}

func TestWebUIRendersCards(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	page, err := dashboard.Load(resp.Body)
	require.NoError(t, err)
	cards := page.Cards()
	require.Len(t, cards, 2)
	require.Equal(t, "900 A", cards[0].Name())
	require.Equal(t, "900 B", cards[1].Name())

	resp, err = http.Get(f.http.URL + "/amplifier/1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/amplifier/2", "/nope"} {
		resp, err = http.Get(f.http.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err = http.Get(f.http.URL + "/static/amplifiers.js")
	require.NoError(t, err)
	script, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(script), "/configure/")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, "/configure/0", "output=5")

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `ampctl_configure_requests_total{result="applied"} 1`)
}

func dialStream(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(f.http.URL)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(dashboard.WebSocketURL(u).String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReport(t *testing.T, conn *websocket.Conn) telemetry.Report {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	r, err := telemetry.ParseReport(data)
	require.NoError(t, err)
	return r
}

func TestStreamSendsSnapshotThenUpdates(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(telemetry.NewReport(1, telemetry.Number("output", 30)))
	f.hub.Publish(telemetry.NewReport(0, telemetry.Number("output", 45)))

	conn := dialStream(t, f)
	require.Equal(t, 0, readReport(t, conn).Index)
	require.Equal(t, 1, readReport(t, conn).Index)

	// Inbound messages are ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Publish(telemetry.NewReport(1, telemetry.Number("output", 33)))
	r := readReport(t, conn)
	require.Equal(t, 1, r.Index)
	v, ok := r.Number("output")
	require.True(t, ok)
	require.Equal(t, 33.0, v)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamClosedOnShutdown(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialStream(t, f)
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.server.Shutdown(context.Background()))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "42s", formatDuration(42*time.Second))
	require.Equal(t, "1h5m0s", formatDuration(time.Hour+5*time.Minute))
	require.Equal(t, "2d", formatDuration(48*time.Hour))
	require.Equal(t, "12d 3h", formatDuration(12*24*time.Hour+3*time.Hour+20*time.Minute))
}

// TestDashboardAgainstSimulator drives the whole chain: the headless
// dashboard renders reports polled from a simulated amplifier and its form
// changes the requested output of that amplifier.
func TestDashboardAgainstSimulator(t *testing.T) {
	sim := simulator.New(simulator.State{
		Output: 50, Reflected: 40, Temperature: 41, Input: 3, IsOn: true, RequestedOutput: 45,
	}, zerolog.Nop())
	addr, err := sim.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer sim.Close()

	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Amplifiers = []config.AmplifierConfig{{Name: "sim", Address: host, Port: p}}
	cfg.Global.ReportInterval = 5 * time.Millisecond

	hub := telemetry.NewHub(zerolog.Nop(), nil)
	mgr := amplifier.NewManager(cfg, hub, nil, zerolog.Nop())
	mgr.Start()
	defer mgr.Close()

	s := NewServer(cfg, hub, mgr, nil, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Shutdown(context.Background())

	pageURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	resp, err := http.Get(pageURL.String())
	require.NoError(t, err)
	page, err := dashboard.Load(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := dashboard.NewRenderer(page, zerolog.Nop())
	require.NoError(t, r.Open(ctx, dashboard.WebSocketURL(pageURL).String()))
	defer r.Close()
	go r.Run(ctx)

	card, ok := page.CardByIndex(0)
	require.True(t, ok)
	reflected, ok := card.Field("reflected")
	require.True(t, ok)
	require.Eventually(t, func() bool { return reflected.Text() == "40" }, 2*time.Second, 5*time.Millisecond)
	require.True(t, reflected.Warned())

	sub := dashboard.NewSubmitter(page, pageURL, srv.Client(), zerolog.Nop())
	require.Equal(t, 1, sub.Bind())
	h, ok := sub.Handler(0)
	require.True(t, ok)
	require.NoError(t, h.Form().Set("output", "12"))
	click := h.Click(ctx)
	require.True(t, click.DefaultPrevented)
	sub.Close()

	require.Eventually(t, func() bool { return sim.State().RequestedOutput == 12 }, 2*time.Second, 5*time.Millisecond)

	sim.SetState(simulator.State{Output: 50, Reflected: 30, Temperature: 41, Input: 3, IsOn: true, RequestedOutput: 12})
	require.Eventually(t, func() bool { return !reflected.Warned() }, 2*time.Second, 5*time.Millisecond)
}
