package gnmiexport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultReportsBuffer = 256
)

// Backoff holds reconnect backoff configuration
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// ClientHealth tracks the state of the subscription
type ClientHealth struct {
	Connected      bool
	ConnectedSince time.Time
	SyncReceived   bool
	LastUpdate     time.Time
	UpdateCount    int64
	LastError      string
	ReconnectCount int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialOptions adds gRPC dial options, e.g. transport credentials.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithBackoff sets the reconnect backoff.
func WithBackoff(b Backoff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

// Client streams amplifier reports from a gNMI export.
type Client struct {
	address     string
	logger      zerolog.Logger
	dialOpts    []grpc.DialOption
	dialTimeout time.Duration
	backoff     Backoff
	reports     chan telemetry.Report

	mu     sync.RWMutex
	health ClientHealth
}

// NewClient creates a client for the export listening on address.
func NewClient(address string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		address:     address,
		logger:      logger.With().Str("component", "gnmi-client").Str("address", address).Logger(),
		dialOpts:    []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		dialTimeout: defaultDialTimeout,
		backoff:     Backoff{Min: defaultBackoffMin, Max: defaultBackoffMax},
		reports:     make(chan telemetry.Report, defaultReportsBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff.Min <= 0 {
		c.backoff.Min = defaultBackoffMin
	}
	if c.backoff.Max < c.backoff.Min {
		c.backoff.Max = c.backoff.Min
	}
	return c
}

// Reports returns the channel of received reports. It is closed when Run
// returns.
func (c *Client) Reports() <-chan telemetry.Report {
	return c.reports
}

// Health returns the current subscription state
func (c *Client) Health() ClientHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Capabilities performs a one-shot Capabilities request to check the
// export is reachable.
func (c *Client) Capabilities(ctx context.Context) (*gnmi.CapabilityResponse, error) {
	conn, err := grpc.DialContext(ctx, c.address, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	resp, err := gnmi.NewGNMIClient(conn).Capabilities(ctx, &gnmi.CapabilityRequest{})
	if err != nil {
		return nil, fmt.Errorf("capabilities request failed: %w", err)
	}
	return resp, nil
}

// Run subscribes to every amplifier and reconnects with backoff after the
// stream is lost, until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.reports)

	attempt := 0
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		if c.health.SyncReceived {
			attempt = 0
		}
		c.health.Connected = false
		c.health.SyncReceived = false
		c.health.LastError = err.Error()
		c.health.ReconnectCount++
		c.mu.Unlock()

		attempt++
		backoff := c.backoffDuration(attempt)
		c.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempt).
			Msg("gNMI subscription lost, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// backoffDuration calculates exponential backoff with jitter
func (c *Client) backoffDuration(attempt int) time.Duration {
	backoff := c.backoff.Min
	for i := 1; i < attempt && backoff < c.backoff.Max; i++ {
		backoff *= 2
	}
	if backoff > c.backoff.Max {
		backoff = c.backoff.Max
	}
	return backoff + time.Duration(rand.Int63n(int64(c.backoff.Min)))
}

func (c *Client) stream(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, c.address, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to dial gNMI server: %w", err)
	}
	defer conn.Close()

	sub, err := gnmi.NewGNMIClient(conn).Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to create subscribe client: %w", err)
	}
	root, _ := parsePath("/" + rootElem)
	if err := sub.Send(&gnmi.SubscribeRequest{
		Request: &gnmi.SubscribeRequest_Subscribe{
			Subscribe: &gnmi.SubscriptionList{
				Mode:         gnmi.SubscriptionList_STREAM,
				Subscription: []*gnmi.Subscription{{Path: root}},
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to start subscription: %w", err)
	}

	c.mu.Lock()
	c.health.Connected = true
	c.health.ConnectedSince = time.Now()
	c.health.LastError = ""
	c.mu.Unlock()
	c.logger.Info().Msg("gNMI subscription started")

	for {
		resp, err := sub.Recv()
		if err != nil {
			return fmt.Errorf("receive update: %w", err)
		}
		switch v := resp.Response.(type) {
		case *gnmi.SubscribeResponse_Update:
			c.handleNotification(ctx, v.Update)
		case *gnmi.SubscribeResponse_SyncResponse:
			c.logger.Info().Msg("gNMI subscription synced")
			c.mu.Lock()
			c.health.SyncReceived = true
			c.mu.Unlock()
		}
	}
}

func (c *Client) handleNotification(ctx context.Context, n *gnmi.Notification) {
	r, ok := reportFromNotification(n)
	if !ok {
		c.logger.Debug().Str("prefix", pathToString(n.GetPrefix())).Msg("Ignoring notification outside amplifier state")
		return
	}

	c.mu.Lock()
	c.health.LastUpdate = time.Now()
	c.health.UpdateCount++
	c.mu.Unlock()

	select {
	case c.reports <- r:
	case <-ctx.Done():
	default:
		c.logger.Warn().Int("index", r.Index).Msg("Reports channel full, dropping report")
	}
}

// reportFromNotification rebuilds the report of one amplifier from a
// notification sent by Server.
func reportFromNotification(n *gnmi.Notification) (telemetry.Report, bool) {
	if n == nil {
		return telemetry.Report{}, false
	}
	prefix := n.GetPrefix().GetElem()
	if len(prefix) != 3 || prefix[0].GetName() != rootElem || prefix[1].GetName() != amplifierElem || prefix[2].GetName() != stateElem {
		return telemetry.Report{}, false
	}
	index, err := strconv.Atoi(prefix[1].GetKey()[indexKey])
	if err != nil {
		return telemetry.Report{}, false
	}

	var fields []telemetry.Field
	for _, u := range n.GetUpdate() {
		elems := u.GetPath().GetElem()
		if len(elems) != 1 {
			continue
		}
		fields = append(fields, fieldFromValue(elems[0].GetName(), u.GetVal()))
	}
	if len(fields) == 0 {
		return telemetry.Report{}, false
	}
	return telemetry.NewReport(index, fields...), true
}

func fieldFromValue(name string, v *gnmi.TypedValue) telemetry.Field {
	switch val := v.GetValue().(type) {
	case *gnmi.TypedValue_DoubleVal:
		return telemetry.Number(name, val.DoubleVal)
	case *gnmi.TypedValue_IntVal:
		return telemetry.Number(name, float64(val.IntVal))
	case *gnmi.TypedValue_UintVal:
		return telemetry.Number(name, float64(val.UintVal))
	}
	raw, _ := json.Marshal(typedValueToString(v))
	return telemetry.Field{Name: name, Raw: raw}
}
