package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ampctl/ampctl/internal/amplifier"
	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/dashboard"
	"github.com/ampctl/ampctl/internal/gnmiexport"
	"github.com/ampctl/ampctl/internal/logging"
	"github.com/ampctl/ampctl/internal/version"
	"github.com/rs/zerolog"
)

// setting is one -set index=value request
type setting struct {
	index int
	value string
}

type settings []setting

func (s *settings) String() string {
	parts := make([]string, 0, len(*s))
	for _, st := range *s {
		parts = append(parts, fmt.Sprintf("%d=%s", st.index, st.value))
	}
	return strings.Join(parts, ",")
}

func (s *settings) Set(v string) error {
	idx, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected index=value, got %q", v)
	}
	index, err := strconv.Atoi(idx)
	if err != nil {
		return fmt.Errorf("invalid index %q", idx)
	}
	*s = append(*s, setting{index: index, value: value})
	return nil
}

func main() {
	pageAddr := flag.String("url", "http://localhost:8000/", "Dashboard page address")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	format := flag.String("log-format", "text", "Log format (text, json)")
	gnmiAddr := flag.String("gnmi", "", "Read telemetry from this gNMI export instead of the websocket stream")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	var sets settings
	flag.Var(&sets, "set", "Submit output for a card as index=value (repeatable)")
	flag.Parse()

	logger, closeLogs, err := logging.Setup(config.LoggingConfig{Level: *logLevel, Format: *format}, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closeLogs()

	pageURL, err := url.Parse(*pageAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("url", *pageAddr).Msg("Invalid page address")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	page, err := loadPage(ctx, client, pageURL)
	if err != nil {
		logger.Fatal().Err(err).Str("url", pageURL.String()).Msg("Failed to load dashboard")
	}
	logger.Info().Int("cards", len(page.Cards())).Msg("Dashboard loaded")

	renderer := dashboard.NewRenderer(page, logger, dashboard.OnUpdate(func(index int) {
		logCard(logger, page, index)
	}))
	done := make(chan error, 1)
	if *gnmiAddr != "" {
		go func() { done <- followGNMI(ctx, logger, renderer, *gnmiAddr) }()
	} else {
		wsURL := dashboard.WebSocketURL(pageURL).String()
		if err := renderer.Open(ctx, wsURL); err != nil {
			logger.Fatal().Err(err).Msg("Failed to open telemetry stream")
		}
		defer renderer.Close()
		go func() { done <- renderer.Run(ctx) }()
	}

	if len(sets) > 0 {
		submit(ctx, logger, page, pageURL, client, sets)
	}

	if err := <-done; err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Telemetry stream failed")
		os.Exit(1)
	}
}

// followGNMI applies every report streamed by a gNMI export to the page
func followGNMI(ctx context.Context, logger zerolog.Logger, renderer *dashboard.Renderer, addr string) error {
	client := gnmiexport.NewClient(addr, logger)
	go client.Run(ctx)
	for r := range client.Reports() {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := renderer.Apply(data); err != nil {
			logger.Debug().Err(err).Msg("Dropping malformed report")
		}
	}
	return nil
}

func loadPage(ctx context.Context, client *http.Client, pageURL *url.URL) (*dashboard.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent("ampview"))
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return dashboard.Load(resp.Body)
}

// submit fills and clicks the form of every requested card
func submit(ctx context.Context, logger zerolog.Logger, page *dashboard.Page, base *url.URL, client *http.Client, sets settings) {
	sub := dashboard.NewSubmitter(page, base, client, logger)
	defer sub.Close()
	logger.Debug().Int("forms", sub.Bind()).Msg("Forms bound")

	for _, s := range sets {
		l := logger.With().Int("index", s.index).Str("value", s.value).Logger()
		h, ok := sub.Handler(s.index)
		if !ok {
			l.Warn().Msg("No form for card")
			continue
		}
		if err := h.Form().Set(amplifier.FieldOutput, s.value); err != nil {
			l.Warn().Err(err).Msg("Cannot set output")
			continue
		}
		click := h.Click(ctx)
		switch {
		case click.Invalid != nil:
			l.Warn().Str("reason", click.Invalid.Error()).Msg("Form invalid, not submitted")
		case click.DefaultPrevented:
			l.Info().Str("target", h.Target().String()).Msg("Output submitted")
		}
	}
}

// logCard logs the values shown on a card after an update
func logCard(logger zerolog.Logger, page *dashboard.Page, index int) {
	card, ok := page.CardByIndex(index)
	if !ok {
		return
	}
	event := logger.Info().Int("index", index).Str("amplifier", card.Name())
	for _, name := range amplifier.ReportFields {
		el, ok := card.Field(name)
		if !ok {
			continue
		}
		text := el.Text()
		if el.Warned() {
			text += " (!)"
		}
		event = event.Str(name, text)
	}
	event.Msg("Card updated")
}
