package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/amplifier"
	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/metrics"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/ampctl/ampctl/internal/types"
	"github.com/ampctl/ampctl/internal/version"
	"github.com/ampctl/ampctl/internal/webui"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	streamBuffer   = 64
	writeWait      = 5 * time.Second
	defaultLogSize = 200
)

// Configure request outcomes, as counted in metrics.
const (
	ResultApplied      = "applied"
	ResultNotConnected = "not_connected"
	ResultInvalid      = "invalid"
	ResultBadIndex     = "bad_index"
	ResultError        = "error"
)

// Amplifiers is the amplifier control surface the server drives
type Amplifiers interface {
	Statuses() []amplifier.Status
	ChangeOutput(ctx context.Context, index int, output uint16) (bool, error)
}

// Alerts provides the currently firing alerts
type Alerts interface {
	GetActiveAlerts() []*types.Alert
}

// Server provides HTTP API endpoints, the telemetry stream and web UI
type Server struct {
	config     *config.Config
	configPath string
	hub        *telemetry.Hub
	amplifiers Amplifiers
	alerts     Alerts
	logger     zerolog.Logger
	logBuffer  *webui.LogBuffer
	metrics    metrics.Collector
	gatherer   prometheus.Gatherer
	startTime  time.Time
	build      version.Info
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, hub *telemetry.Hub, amps Amplifiers, alerts Alerts, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     cfg,
		hub:        hub,
		amplifiers: amps,
		alerts:     alerts,
		logger:     logger.With().Str("component", "api").Logger(),
		metrics:    metrics.Noop(),
		gatherer:   prometheus.DefaultGatherer,
		startTime:  time.Now(),
		build:      version.Get(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetLogBuffer sets the log buffer for the web UI
func (s *Server) SetLogBuffer(lb *webui.LogBuffer) {
	s.logBuffer = lb
}

// SetConfigPath records where the configuration was loaded from
func (s *Server) SetConfigPath(path string) {
	s.configPath = path
}

// SetVersion sets the version information
func (s *Server) SetVersion(info version.Info) {
	s.build = info
}

// SetMetrics sets the collector for configure outcomes and the gatherer
// served on /metrics
func (s *Server) SetMetrics(collector metrics.Collector, gatherer prometheus.Gatherer) {
	if collector != nil {
		s.metrics = collector
	}
	if gatherer != nil {
		s.gatherer = gatherer
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/api/logs", s.handleLogsAPI)
	mux.HandleFunc("/api/amplifiers", s.handleAmplifiersAPI)
	mux.HandleFunc("/api/amplifiers/", s.handleAmplifierDetailAPI)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Telemetry stream and configuration
	mux.HandleFunc("/ws", s.handleStream)
	mux.HandleFunc("/configure/", s.handleConfigure)

	// Web UI
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(webui.Static()))))
	mux.HandleFunc("/amplifier/", s.handleAmplifierPage)
	mux.HandleFunc("/", s.handleWebUI)

	return mux
}

// Start serves HTTP on addr until Shutdown
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info().
		Str("address", addr).
		Msg("Starting API server with Web UI")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every telemetry stream and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth returns service health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns current state summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.amplifiers.Statuses()
	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amplifiers":    len(statuses),
		"connected":     connected,
		"subscribers":   s.hub.Subscribers(),
		"active_alerts": len(s.activeAlerts()),
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptime":        time.Since(s.startTime).String(),
		"version":       s.build.Version,
		"commit":        s.build.Commit,
		"build_date":    s.build.BuildDate,
	})
}

func (s *Server) activeAlerts() []*types.Alert {
	if s.alerts == nil {
		return nil
	}
	return s.alerts.GetActiveAlerts()
}

// handleAlerts returns active alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.activeAlerts()
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleLogsAPI returns recent log entries as JSON. Optional query
// parameters: limit (default 200) and level (minimum level).
func (s *Server) handleLogsAPI(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	level := r.URL.Query().Get("level")
	if level != "" {
		if _, err := zerolog.ParseLevel(level); err != nil {
			writeError(w, http.StatusBadRequest, "unknown level "+strconv.Quote(level))
			return
		}
	}

	entries := []webui.LogEntry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.GetRecentEntries(limit, level)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// amplifierInfo is the JSON view of one amplifier
type amplifierInfo struct {
	amplifier.Status
	Report telemetry.Fields `json:"report,omitempty"`
}

func (s *Server) amplifierInfo(st amplifier.Status) amplifierInfo {
	info := amplifierInfo{Status: st}
	if r, ok := s.hub.LatestFor(st.Index); ok {
		info.Report = r.Fields
	}
	return info
}

// handleAmplifiersAPI returns every configured amplifier with its latest report
func (s *Server) handleAmplifiersAPI(w http.ResponseWriter, r *http.Request) {
	statuses := s.amplifiers.Statuses()
	infos := make([]amplifierInfo, 0, len(statuses))
	for _, st := range statuses {
		infos = append(infos, s.amplifierInfo(st))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amplifiers": infos,
		"max_output": s.config.Global.MaxOutput,
	})
}

// lookup resolves the amplifier named by the path suffix after prefix
func (s *Server) lookup(path, prefix string) (amplifier.Status, error) {
	raw := strings.TrimPrefix(path, prefix)
	index, err := strconv.Atoi(raw)
	if err != nil || strconv.Itoa(index) != raw {
		return amplifier.Status{}, fmt.Errorf("invalid amplifier index %q", raw)
	}
	statuses := s.amplifiers.Statuses()
	if index < 0 || index >= len(statuses) {
		return amplifier.Status{}, fmt.Errorf("no amplifier with index %d", index)
	}
	return statuses[index], nil
}

// amplifierLogs returns the recent log entries of one amplifier, matched by
// index when the line carries one and by name otherwise.
func (s *Server) amplifierLogs(st amplifier.Status, n int) []webui.LogEntry {
	var logs []webui.LogEntry
	if s.logBuffer == nil {
		return logs
	}
	for _, entry := range s.logBuffer.GetRecentEntries(0, "") {
		if entry.Index != nil {
			if *entry.Index == st.Index {
				logs = append(logs, entry)
			}
			continue
		}
		if entry.Amplifier == st.Name {
			logs = append(logs, entry)
		}
	}
	if len(logs) > n {
		logs = logs[len(logs)-n:]
	}
	return logs
}

// handleAmplifierDetailAPI returns one amplifier with its logs
func (s *Server) handleAmplifierDetailAPI(w http.ResponseWriter, r *http.Request) {
	st, err := s.lookup(r.URL.Path, "/api/amplifiers/")
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logs := s.amplifierLogs(st, 100)
	if logs == nil {
		logs = []webui.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amplifier": s.amplifierInfo(st),
		"logs":      logs,
	})
}

// handleConfigure applies a requested output posted by a card form
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st, err := s.lookup(r.URL.Path, "/configure/")
	if err != nil {
		s.metrics.IncConfigure(ResultBadIndex)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.ParseForm(); err != nil {
		s.metrics.IncConfigure(ResultInvalid)
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	raw := strings.TrimSpace(r.PostForm.Get("output"))
	if raw == "" {
		s.metrics.IncConfigure(ResultInvalid)
		writeError(w, http.StatusUnprocessableEntity, "output is required")
		return
	}
	output, err := strconv.Atoi(raw)
	if err != nil || output < 0 || output > s.config.Global.MaxOutput {
		s.metrics.IncConfigure(ResultInvalid)
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("output must be an integer within 0..%d", s.config.Global.MaxOutput))
		return
	}

	logger := s.logger.With().
		Str("amplifier", st.Name).
		Int("index", st.Index).
		Int("output", output).
		Logger()

	applied, err := s.amplifiers.ChangeOutput(r.Context(), st.Index, uint16(output))
	if err != nil {
		s.metrics.IncConfigure(ResultError)
		logger.Error().Err(err).Msg("Failed to change output")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if applied {
		s.metrics.IncConfigure(ResultApplied)
		logger.Info().Msg("Output changed")
	} else {
		s.metrics.IncConfigure(ResultNotConnected)
		logger.Warn().Msg("Amplifier not connected, output not changed")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"index":   st.Index,
		"output":  output,
		"applied": applied,
	})
}

// handleStream upgrades to a websocket, sends the latest report of every
// amplifier and then every published report. Inbound messages are ignored.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	reports, cancel := s.hub.Subscribe(streamBuffer)
	defer cancel()

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("Telemetry client connected")
	defer logger.Info().Msg("Telemetry client disconnected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(rep telemetry.Report) error {
		data, err := json.Marshal(rep)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for _, rep := range s.hub.Latest() {
		if err := send(rep); err != nil {
			logger.Debug().Err(err).Msg("Websocket write failed")
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case rep, ok := <-reports:
			if !ok {
				return
			}
			if err := send(rep); err != nil {
				logger.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		}
	}
}

func (s *Server) amplifierView(st amplifier.Status) webui.AmplifierView {
	return webui.AmplifierView{
		Index:          st.Index,
		Name:           st.Name,
		Address:        st.Address,
		Connected:      st.Connected,
		ConnectedSince: st.ConnectedSince,
		LastReport:     st.LastReport,
		ReportCount:    st.ReportCount,
		Reconnects:     st.Reconnects,
		LastError:      st.LastError,
		MaxOutput:      s.config.Global.MaxOutput,
	}
}

func alertViews(alerts []*types.Alert) []webui.AlertView {
	views := make([]webui.AlertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, webui.AlertView{
			Amplifier: a.Name,
			Field:     a.Field,
			Severity:  a.Severity,
			Message:   a.Message,
		})
	}
	return views
}

// handleWebUI renders the amplifier cards page
func (s *Server) handleWebUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	cfg := s.config
	data := webui.PageData{
		Title:  "Amplifier Control",
		Uptime: formatDuration(time.Since(s.startTime)),
		Config: webui.ConfigView{
			ControlPort:       cfg.Global.ControlPort,
			ConnectionTimeout: cfg.Global.ConnectionTimeout.String(),
			ReportInterval:    cfg.Global.ReportInterval.String(),
			MaxOutput:         cfg.Global.MaxOutput,
			ConfigPath:        s.configPath,
			GNMIListen:        cfg.Server.GNMIListen,
		},
		Version:   s.build.Version,
		Commit:    s.build.Commit,
		BuildDate: s.build.BuildDate,
	}

	for _, st := range s.amplifiers.Statuses() {
		data.Amplifiers = append(data.Amplifiers, s.amplifierView(st))
		if st.Connected {
			data.ConnectedCount++
		}
	}

	alerts := s.activeAlerts()
	data.AlertCount = len(alerts)
	data.Alerts = alertViews(alerts)

	if s.logBuffer != nil {
		data.Logs = s.logBuffer.GetRecentEntries(100, "")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webui.Templates.ExecuteTemplate(w, "base", data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleAmplifierPage renders the amplifier detail page
func (s *Server) handleAmplifierPage(w http.ResponseWriter, r *http.Request) {
	st, err := s.lookup(r.URL.Path, "/amplifier/")
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var alerts []*types.Alert
	for _, a := range s.activeAlerts() {
		if a.Amplifier == st.Index {
			alerts = append(alerts, a)
		}
	}

	data := webui.AmplifierPageData{
		Title:     st.Name + " - Amplifier Control",
		Amplifier: s.amplifierView(st),
		Alerts:    alertViews(alerts),
		Logs:      s.amplifierLogs(st, 100),
		Version:   s.build.Version,
		Commit:    s.build.Commit,
		BuildDate: s.build.BuildDate,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webui.Templates.ExecuteTemplate(w, "amplifier", data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render amplifier template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, hours)
}
