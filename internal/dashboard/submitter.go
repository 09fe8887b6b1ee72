package dashboard

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
)

// ConfigurePath prefixes the per-card configuration endpoint.
const ConfigurePath = "/configure/"

// Click is the outcome of clicking a submit control.
type Click struct {
	// DefaultPrevented is true when the native form submission was
	// suppressed because the form was posted in the background.
	DefaultPrevented bool
	// Invalid is set when constraint validation failed and nothing was sent.
	Invalid *ValidityError
}

// Submitter posts card forms to the configuration endpoint.
type Submitter struct {
	page   *Page
	base   *url.URL
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	handlers []*FormHandler
	inflight sync.WaitGroup
}

// NewSubmitter creates a submitter resolving endpoints against base. A nil
// client uses http.DefaultClient.
func NewSubmitter(page *Page, base *url.URL, client *http.Client, logger zerolog.Logger) *Submitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Submitter{
		page:   page,
		base:   base,
		client: client,
		logger: logger.With().Str("component", "submitter").Logger(),
	}
}

// Bind attaches a handler to every submit control found in a card form and
// returns how many were bound. Binding again replaces earlier handlers.
func (s *Submitter) Bind() int {
	s.page.mu.Lock()
	var handlers []*FormHandler
	for _, card := range s.page.cards() {
		form, ok := card.form()
		if !ok {
			continue
		}
		for _, n := range form.controls() {
			if isSubmitControl(n) {
				handlers = append(handlers, &FormHandler{submitter: s, card: card, form: form, control: n})
			}
		}
	}
	s.page.mu.Unlock()

	s.mu.Lock()
	s.handlers = handlers
	s.mu.Unlock()
	s.logger.Debug().Int("handlers", len(handlers)).Msg("Bound form handlers")
	return len(handlers)
}

// Handlers returns every bound handler in document order.
func (s *Submitter) Handlers() []*FormHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FormHandler(nil), s.handlers...)
}

// Handler returns the first bound handler of the card with the given index.
func (s *Submitter) Handler(index int) (*FormHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if h.card.index == index {
			return h, true
		}
	}
	return nil, false
}

// Close waits for every background request to finish.
func (s *Submitter) Close() {
	s.inflight.Wait()
}

// FormHandler intercepts clicks on one submit control.
type FormHandler struct {
	submitter *Submitter
	card      *Card
	form      *Form
	control   *html.Node
}

// Index returns the index of the card the handler belongs to.
func (h *FormHandler) Index() int {
	return h.card.index
}

// Form returns the form the handler submits.
func (h *FormHandler) Form() *Form {
	return h.form
}

// Target returns the configuration endpoint of the card.
func (h *FormHandler) Target() *url.URL {
	ref := &url.URL{Path: ConfigurePath + url.PathEscape(h.cardIndexAttr())}
	if h.submitter.base == nil {
		return ref
	}
	return h.submitter.base.ResolveReference(ref)
}

func (h *FormHandler) cardIndexAttr() string {
	h.submitter.page.mu.Lock()
	defer h.submitter.page.mu.Unlock()
	v, _ := attr(h.card.node, indexAttr)
	return v
}

// Click handles a click on the submit control. An invalid form is left to
// the native validation UI and nothing is sent. A valid form is posted in
// the background and the native submission is suppressed before the
// request completes. The request outcome is only logged.
func (h *FormHandler) Click(ctx context.Context) Click {
	s := h.submitter

	s.page.mu.Lock()
	err := h.form.validate()
	body := ""
	if err == nil {
		body = encodePairs(h.form.successful())
	}
	s.page.mu.Unlock()

	if err != nil {
		var verr *ValidityError
		if errors.As(err, &verr) {
			s.logger.Debug().
				Int("index", h.card.index).
				Str("control", verr.Control).
				Str("state", verr.State).
				Msg("Form invalid, not submitting")
			return Click{Invalid: verr}
		}
		return Click{}
	}

	target := h.Target().String()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.post(ctx, target, body)
	}()
	return Click{DefaultPrevented: true}
}

func (s *Submitter) post(ctx context.Context, target, body string) {
	logger := s.logger.With().Str("url", target).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		logger.Debug().Err(err).Msg("Configuration request not sent")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Msg("Configuration request failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	logger.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("Configuration posted")
}
