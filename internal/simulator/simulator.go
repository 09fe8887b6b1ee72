// Package simulator serves the amplifier control protocol from an in-memory
// amplifier model. It backs the tests of the amplifier client and the
// ampsim command.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/ampctl/ampctl/internal/protocol"
	"github.com/rs/zerolog"
)

// State is the simulated amplifier state.
type State struct {
	Output          uint16
	Reflected       uint16
	Temperature     uint16
	Input           int16
	IsOn            bool
	RequestedOutput uint16
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithJitter makes every passive state answer wander around the configured
// state by up to n units.
func WithJitter(n int) Option {
	return func(s *Simulator) { s.jitter = n }
}

// WithStaleResponses makes the simulator send a response carrying a foreign
// command id before every real answer.
func WithStaleResponses() Option {
	return func(s *Simulator) { s.stale = true }
}

// Simulator is a fake amplifier speaking the control protocol over TCP.
type Simulator struct {
	logger zerolog.Logger
	jitter int
	stale  bool

	mu       sync.Mutex
	state    State
	commands []protocol.SetActiveStatus
	conns    map[net.Conn]struct{}
	ln       net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// New creates a simulator starting from state.
func New(state State, logger zerolog.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		logger: logger.With().Str("component", "simulator").Logger(),
		state:  state,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen starts serving on addr in the background and returns the bound
// address.
func (s *Simulator) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("Simulator stopped")
		}
	}()
	return ln.Addr(), nil
}

// Serve accepts connections until the listener is closed. It returns nil
// after Close.
func (s *Simulator) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Run serves on addr until ctx is done.
func (s *Simulator) Run(ctx context.Context, addr string) error {
	bound, err := s.Listen(addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("address", bound.String()).Msg("Simulated amplifier listening")
	<-ctx.Done()
	return s.Close()
}

func (s *Simulator) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug().Str("remote", remote).Msg("Client connected")

	r := bufio.NewReader(conn)
	for {
		cmd, err := protocol.ReadPacket(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Str("remote", remote).Msg("Closing client connection")
			}
			return
		}
		if !cmd.IsRequest {
			continue
		}
		if s.stale {
			if err := protocol.WritePacket(conn, protocol.Command{ID: cmd.ID - 1}); err != nil {
				return
			}
		}
		resp := protocol.Command{ID: cmd.ID, Data: s.answer(cmd.Data)}
		if err := protocol.WritePacket(conn, resp); err != nil {
			return
		}
	}
}

func (s *Simulator) answer(data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case bytes.Equal(data, protocol.PassiveStateRequest):
		st := s.state
		if s.jitter > 0 {
			st.Output = wander(st.Output, s.jitter)
			st.Reflected = wander(st.Reflected, s.jitter)
			st.Temperature = wander(st.Temperature, s.jitter)
		}
		out, _ := protocol.PassiveState{
			Output:      st.Output,
			Reflected:   st.Reflected,
			Temperature: st.Temperature,
			Input:       st.Input,
		}.MarshalBinary()
		return out
	case bytes.Equal(data, protocol.ActiveStatusRequest):
		out, _ := protocol.ActiveStatus{
			IsOn:            s.state.IsOn,
			RequestedOutput: s.state.RequestedOutput,
		}.MarshalBinary()
		return out
	}

	set, err := protocol.ParseSetActiveStatus(data)
	if err != nil {
		s.logger.Warn().Hex("data", data).Msg("Unknown request")
		return nil
	}
	s.commands = append(s.commands, set)
	s.state.IsOn = set.IsOn
	s.state.RequestedOutput = set.RequestedOutput
	s.logger.Info().
		Bool("is_on", set.IsOn).
		Uint16("requested_output", set.RequestedOutput).
		Msg("Active status changed")
	return []byte{0x03, 0x00}
}

// State returns the current simulated state.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState replaces the simulated state.
func (s *Simulator) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Commands returns every active status change received so far.
func (s *Simulator) Commands() []protocol.SetActiveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SetActiveStatus(nil), s.commands...)
}

// DropConnections closes every client connection while keeping the listener.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the listener, drops all clients and waits for the handlers.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func wander(v uint16, n int) uint16 {
	d := rand.Intn(2*n+1) - n
	if int(v)+d < 0 {
		return 0
	}
	return uint16(int(v) + d)
}
