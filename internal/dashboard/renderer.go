package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/ampctl/ampctl/internal/evaluator"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamPath is the websocket endpoint pushing telemetry reports.
const StreamPath = "/ws"

// Result summarises what one report changed on the page.
type Result struct {
	Index   int
	Matched bool
	// Updated lists the fields whose elements received new text.
	Updated []string
	// Warned lists the fields styled as out of range.
	Warned []string
	// Skipped lists ruled fields whose styling was left untouched because
	// the rule could not be evaluated.
	Skipped []string
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// OnUpdate registers a hook called after a report updated a card.
func OnUpdate(fn func(index int)) RendererOption {
	return func(r *Renderer) { r.onUpdate = fn }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) RendererOption {
	return func(r *Renderer) { r.dialer = d }
}

// Renderer keeps the cards of a page current from the telemetry stream.
type Renderer struct {
	page     *Page
	logger   zerolog.Logger
	dialer   *websocket.Dialer
	onUpdate func(index int)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRenderer creates a renderer for page. It does not connect.
func NewRenderer(page *Page, logger zerolog.Logger, opts ...RendererOption) *Renderer {
	r := &Renderer{
		page:   page,
		logger: logger.With().Str("component", "renderer").Logger(),
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WebSocketURL derives the stream endpoint from the page address: same host,
// ws for http pages and wss for https pages.
func WebSocketURL(pageURL *url.URL) *url.URL {
	u := &url.URL{Scheme: "ws", Host: pageURL.Host, Path: StreamPath}
	if pageURL.Scheme == "https" || pageURL.Scheme == "wss" {
		u.Scheme = "wss"
	}
	return u
}

// Open connects to the stream once. There is no reconnect: after the
// connection is lost the page stays as it was last rendered.
func (r *Renderer) Open(ctx context.Context, wsURL string) error {
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", wsURL, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		conn.Close()
		return errors.New("renderer already open")
	}
	r.conn = conn
	r.logger.Info().Str("url", wsURL).Msg("Telemetry stream connected")
	return nil
}

// Run applies every message of the stream to the page until the connection
// fails or ctx is done. Messages that cannot be decoded are dropped.
func (r *Renderer) Run(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("renderer not open")
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info().Msg("Telemetry stream closed by server")
				return nil
			}
			return fmt.Errorf("read telemetry: %w", err)
		}
		if msgType != websocket.TextMessage {
			r.logger.Debug().Int("type", msgType).Msg("Dropping non-text message")
			continue
		}
		if _, err := r.Apply(data); err != nil {
			r.logger.Debug().Err(err).Msg("Dropping malformed report")
		}
	}
}

// Apply updates the page from one raw report. A report for an index without
// a card changes nothing.
func (r *Renderer) Apply(raw []byte) (Result, error) {
	report, err := telemetry.ParseReport(raw)
	if err != nil {
		return Result{}, err
	}
	res := r.render(report)
	if res.Matched && r.onUpdate != nil {
		r.onUpdate(report.Index)
	}
	return res, nil
}

func (r *Renderer) render(report telemetry.Report) Result {
	res := Result{Index: report.Index}

	r.page.mu.Lock()
	defer r.page.mu.Unlock()

	card, ok := r.page.cardByIndex(report.Index)
	if !ok {
		return res
	}
	res.Matched = true

	for _, field := range report.Fields {
		els := card.fields(field.Name)
		if len(els) == 0 {
			continue
		}
		text := field.Text()
		for _, el := range els {
			setNodeText(el.node, text)
		}
		res.Updated = append(res.Updated, field.Name)

		valid, err := r.check(report, field)
		if err != nil {
			r.logger.Debug().
				Err(err).
				Int("index", report.Index).
				Str("field", field.Name).
				Msg("Skipping styling")
			res.Skipped = append(res.Skipped, field.Name)
			continue
		}
		for _, el := range els {
			if valid {
				clearWarning(el.node)
			} else {
				warn(el.node)
			}
		}
		if !valid {
			res.Warned = append(res.Warned, field.Name)
		}
	}
	return res
}

var errNotNumeric = errors.New("value is not a number")

func (r *Renderer) check(report telemetry.Report, field telemetry.Field) (bool, error) {
	if !evaluator.HasRule(field.Name) {
		return true, nil
	}
	value, ok := field.Float()
	if !ok {
		return false, errNotNumeric
	}
	return evaluator.Validate(field.Name, value, report.Fields)
}

// Close closes the stream connection.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
