// Package amplifier talks to amplifiers over their TCP control port and turns
// their state into telemetry reports.
package amplifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/protocol"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/rs/zerolog"
)

const (
	// DefaultControlPort is the TCP port amplifiers listen on.
	DefaultControlPort = 10001
	// DefaultReportInterval is the pause between two polls.
	DefaultReportInterval = 100 * time.Millisecond

	initialCommandID uint32 = 0x0199e447
)

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("amplifier: connection closed")

// Report field names in publishing order.
const (
	FieldOutput          = "output"
	FieldInput           = "input"
	FieldReflected       = "reflected"
	FieldVSWR            = "vswr"
	FieldTemperature     = "temperature"
	FieldRequestedOutput = "requested_output"
)

// ReportFields lists the fields of every published report in order.
var ReportFields = []string{FieldOutput, FieldInput, FieldReflected, FieldVSWR, FieldTemperature, FieldRequestedOutput}

// Health tracks the state of one amplifier connection
type Health struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	LastReport     time.Time `json:"last_report,omitempty"`
	ReportCount    int64     `json:"report_count"`
	LastError      string    `json:"last_error,omitempty"`
	Reconnects     int       `json:"reconnects"`
}

// Amplifier is a connection to one amplifier. Requests on it are serialised.
type Amplifier struct {
	index  int
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	reqMu     sync.Mutex
	commandID uint32

	mu     sync.RWMutex
	health Health
	closed bool
}

// Dial connects to the amplifier at addr. The index identifies the amplifier
// in the reports it produces.
func Dial(ctx context.Context, index int, addr string, logger zerolog.Logger) (*Amplifier, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial amplifier %d at %s: %w", index, addr, err)
	}
	return newAmplifier(index, conn, logger), nil
}

func newAmplifier(index int, conn net.Conn, logger zerolog.Logger) *Amplifier {
	return &Amplifier{
		index:     index,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		logger:    logger,
		commandID: initialCommandID,
		health:    Health{Connected: true, ConnectedSince: time.Now()},
	}
}

// Index returns the amplifier index.
func (a *Amplifier) Index() int {
	return a.index
}

// Health returns a snapshot of the connection health.
func (a *Amplifier) Health() Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.health
}

func (a *Amplifier) nextCommandID() uint32 {
	a.commandID++
	return a.commandID
}

// Request sends data as a new command and waits for the response carrying
// the same command id. Responses to other commands are discarded.
func (a *Amplifier) Request(ctx context.Context, data []byte) ([]byte, error) {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()

	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	deadline, _ := ctx.Deadline()
	if err := a.conn.SetDeadline(deadline); err != nil {
		return nil, a.fail(ctx, err)
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		a.conn.SetDeadline(time.Now())
	})
	defer func() {
		// The next request must not see this ctx's expiry as its own.
		if !stop() {
			<-interrupted
			a.conn.SetDeadline(time.Time{})
		}
	}()

	id := a.nextCommandID()
	if err := protocol.WritePacket(a.conn, protocol.Command{IsRequest: true, ID: id, Data: data}); err != nil {
		return nil, a.fail(ctx, fmt.Errorf("write command %#08x: %w", id, err))
	}
	for {
		resp, err := protocol.ReadPacket(a.reader)
		if err != nil {
			return nil, a.fail(ctx, fmt.Errorf("read response to %#08x: %w", id, err))
		}
		if resp.IsRequest || resp.ID != id {
			a.logger.Debug().
				Uint32("want", id).
				Uint32("got", resp.ID).
				Msg("Discarding unrelated packet")
			continue
		}
		return resp.Data, nil
	}
}

func (a *Amplifier) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	} else if dl, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(dl) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	a.mu.Lock()
	a.health.LastError = err.Error()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// ChangeOutput switches the amplifier on and requests the given output.
func (a *Amplifier) ChangeOutput(ctx context.Context, output uint16) error {
	data, err := protocol.SetActiveStatus{IsOn: true, RequestedOutput: output}.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := a.Request(ctx, data); err != nil {
		return fmt.Errorf("change output: %w", err)
	}
	a.logger.Info().Uint16("output", output).Msg("Requested output changed")
	return nil
}

// QueryReport reads the passive and active state and combines them into a
// telemetry report.
func (a *Amplifier) QueryReport(ctx context.Context) (telemetry.Report, error) {
	raw, err := a.Request(ctx, protocol.PassiveStateRequest)
	if err != nil {
		return telemetry.Report{}, fmt.Errorf("passive state: %w", err)
	}
	passive, err := protocol.ParsePassiveState(raw)
	if err != nil {
		return telemetry.Report{}, err
	}
	raw, err = a.Request(ctx, protocol.ActiveStatusRequest)
	if err != nil {
		return telemetry.Report{}, fmt.Errorf("active status: %w", err)
	}
	active, err := protocol.ParseActiveStatus(raw)
	if err != nil {
		return telemetry.Report{}, err
	}
	return telemetry.NewReport(a.index,
		telemetry.Number(FieldOutput, float64(passive.Output)),
		telemetry.Number(FieldInput, float64(passive.Input)),
		telemetry.Number(FieldReflected, float64(passive.Reflected)),
		telemetry.Number(FieldVSWR, passive.VSWR),
		telemetry.Number(FieldTemperature, float64(passive.Temperature)),
		telemetry.Number(FieldRequestedOutput, float64(active.RequestedOutput)),
	), nil
}

// Poll queries the amplifier every interval and hands each report to
// publish. It returns when ctx is done or the connection fails.
func (a *Amplifier) Poll(ctx context.Context, interval time.Duration, publish func(telemetry.Report)) error {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	for {
		report, err := a.QueryReport(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		a.mu.Lock()
		a.health.LastReport = time.Now()
		a.health.ReportCount++
		a.mu.Unlock()

		publish(report)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (a *Amplifier) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.health.Connected = false
	a.mu.Unlock()
	return a.conn.Close()
}
