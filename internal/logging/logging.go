// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup creates a zerolog logger according to the provided configuration.
// Records go to stdout, to every extra writer and to the optional rotating
// file and Loki sinks. The returned cleanup flushes and closes the sinks.
func Setup(cfg config.LoggingConfig, stdout io.Writer, extra ...io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	if stdout == nil {
		stdout = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "text") {
		stdout = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	writers := append([]io.Writer{stdout}, extra...)
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.File.Path != "" {
		file := newFileWriter(cfg.File)
		writers = append(writers, file)
		closers = append(closers, func() { file.Close() })
	}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki)
		if err != nil {
			cleanup()
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		closers = append(closers, closer)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

func newFileWriter(cfg config.FileConfig) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

func newLokiWriter(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}

	writer := &lokiWriter{client: client, labels: lokiLabels(cfg.Labels)}
	return writer, client.Stop, nil
}

func lokiLabels(in map[string]string) model.LabelSet {
	labels := model.LabelSet{}
	for k, v := range in {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	if len(labels) == 0 {
		labels["app"] = "ampctl"
	}
	return labels
}

type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(l.labels, time.Now(), entry)
	return len(p), err
}
