package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/logging"
	"github.com/ampctl/ampctl/internal/simulator"
)

func main() {
	listen := flag.String("listen", fmt.Sprintf("127.0.0.1:%d", config.DefaultControlPort), "Address of the first simulated amplifier")
	count := flag.Int("count", 1, "Number of amplifiers, on consecutive ports")
	output := flag.Uint("output", 45, "Forward output")
	reflected := flag.Uint("reflected", 20, "Reflected power")
	temperature := flag.Uint("temperature", 40, "Temperature")
	input := flag.Int("input", 4, "Input level")
	requested := flag.Uint("requested", 45, "Initially requested output")
	off := flag.Bool("off", false, "Start switched off")
	jitter := flag.Int("jitter", 0, "Let readings wander by up to this much")
	stale := flag.Bool("stale", false, "Send a stale response before every answer")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger, closeLogs, err := logging.Setup(config.LoggingConfig{Level: *logLevel, Format: "text"}, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closeLogs()

	host, portText, err := net.SplitHostPort(*listen)
	if err != nil {
		logger.Fatal().Err(err).Str("listen", *listen).Msg("Invalid listen address")
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		logger.Fatal().Err(err).Str("listen", *listen).Msg("Invalid listen port")
	}

	state := simulator.State{
		Output:          uint16(*output),
		Reflected:       uint16(*reflected),
		Temperature:     uint16(*temperature),
		Input:           int16(*input),
		IsOn:            !*off,
		RequestedOutput: uint16(*requested),
	}
	var opts []simulator.Option
	if *jitter > 0 {
		opts = append(opts, simulator.WithJitter(*jitter))
	}
	if *stale {
		opts = append(opts, simulator.WithStaleResponses())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *count; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		l := logger.With().Int("index", i).Logger()
		sim := simulator.New(state, l, opts...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.Run(ctx, addr); err != nil {
				l.Error().Err(err).Str("address", addr).Msg("Simulator stopped")
				cancel()
			}
		}()
	}

	wg.Wait()
	logger.Info().Msg("ampsim stopped")
}
