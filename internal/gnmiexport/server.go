// Package gnmiexport serves the latest amplifier telemetry over gNMI so that
// standard collectors can scrape or stream it.
package gnmiexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ModelName is the model advertised in Capabilities.
	ModelName    = "ampctl-amplifier"
	modelOrg     = "ampctl"
	modelVersion = "1.0.0"
	gnmiVersion  = "0.10.0"

	streamBuffer = 256
)

// Source provides the reports to export.
type Source interface {
	Latest() []telemetry.Report
	Subscribe(buffer int) (<-chan telemetry.Report, func())
}

// Server implements the read side of the gNMI service on top of a Source.
type Server struct {
	gnmi.UnimplementedGNMIServer

	source Source
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	grpc    *grpc.Server
	stopped bool
}

// NewServer creates a gNMI server exporting reports from source.
func NewServer(source Source, logger zerolog.Logger) *Server {
	return &Server{
		source: source,
		logger: logger.With().Str("component", "gnmi").Logger(),
		now:    time.Now,
	}
}

// Serve registers the service on a new gRPC server and serves ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	g := grpc.NewServer()
	gnmi.RegisterGNMIServer(g, s)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	if s.grpc != nil {
		s.mu.Unlock()
		return errors.New("gnmi server already serving")
	}
	s.grpc = g
	s.mu.Unlock()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting gNMI export")
	if err := g.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gnmi: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()
	return s.Serve(ln)
}

// Stop closes every stream and stops serving.
func (s *Server) Stop() {
	s.mu.Lock()
	g := s.grpc
	s.stopped = true
	s.mu.Unlock()
	if g != nil {
		g.Stop()
	}
}

// Capabilities advertises the single exported model.
func (s *Server) Capabilities(ctx context.Context, req *gnmi.CapabilityRequest) (*gnmi.CapabilityResponse, error) {
	return &gnmi.CapabilityResponse{
		SupportedModels: []*gnmi.ModelData{
			{Name: ModelName, Organization: modelOrg, Version: modelVersion},
		},
		SupportedEncodings: []gnmi.Encoding{gnmi.Encoding_JSON},
		GNMIVersion:        gnmiVersion,
	}, nil
}

// Get returns the latest values selected by the request paths.
func (s *Server) Get(ctx context.Context, req *gnmi.GetRequest) (*gnmi.GetResponse, error) {
	paths, err := requestPaths(req.GetPrefix(), req.GetPath())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp := &gnmi.GetResponse{}
	for _, r := range s.source.Latest() {
		if n := s.notification(r, paths); n != nil {
			resp.Notification = append(resp.Notification, n)
		}
	}
	s.logger.Debug().
		Int("paths", len(paths)).
		Int("notifications", len(resp.Notification)).
		Msg("gNMI get served")
	return resp, nil
}

// Set is not supported: amplifiers are configured through /configure.
func (s *Server) Set(ctx context.Context, req *gnmi.SetRequest) (*gnmi.SetResponse, error) {
	return nil, status.Error(codes.Unimplemented, "set is not supported")
}

// Subscribe serves ONCE and STREAM subscriptions. Both start with the latest
// value of every selected path followed by a sync response.
func (s *Server) Subscribe(stream gnmi.GNMI_SubscribeServer) error {
	req, err := stream.Recv()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	list := req.GetSubscribe()
	if list == nil {
		return status.Error(codes.InvalidArgument, "first request must be a subscription list")
	}

	var requested []*gnmi.Path
	for _, sub := range list.GetSubscription() {
		requested = append(requested, sub.GetPath())
	}
	paths, err := requestPaths(list.GetPrefix(), requested)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	logger := s.logger.With().Str("mode", list.GetMode().String()).Logger()

	var updates <-chan telemetry.Report
	switch list.GetMode() {
	case gnmi.SubscriptionList_ONCE:
	case gnmi.SubscriptionList_STREAM:
		ch, cancel := s.source.Subscribe(streamBuffer)
		defer cancel()
		updates = ch
	default:
		return status.Errorf(codes.Unimplemented, "subscription mode %s is not supported", list.GetMode())
	}

	logger.Info().Int("paths", len(paths)).Msg("gNMI subscription started")

	for _, r := range s.source.Latest() {
		if err := s.send(stream, r, paths); err != nil {
			return err
		}
	}
	if err := stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_SyncResponse{SyncResponse: true},
	}); err != nil {
		return err
	}
	if updates == nil {
		return nil
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("gNMI subscription ended")
			return nil
		case r, ok := <-updates:
			if !ok {
				return status.Error(codes.Unavailable, "telemetry source closed")
			}
			if err := s.send(stream, r, paths); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream gnmi.GNMI_SubscribeServer, r telemetry.Report, paths [][]*gnmi.PathElem) error {
	n := s.notification(r, paths)
	if n == nil {
		return nil
	}
	return stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_Update{Update: n},
	})
}

// notification converts a report into a notification holding the fields
// selected by paths, or nil when none is selected.
func (s *Server) notification(r telemetry.Report, paths [][]*gnmi.PathElem) *gnmi.Notification {
	prefix := statePrefix(r.Index)
	n := &gnmi.Notification{
		Timestamp: s.now().UnixNano(),
		Prefix:    prefix,
	}
	for _, field := range r.Fields {
		p := &gnmi.Path{Elem: []*gnmi.PathElem{{Name: field.Name}}}
		if !selected(paths, join(prefix, p)) {
			continue
		}
		val := typedValue(field)
		n.Update = append(n.Update, &gnmi.Update{Path: p, Val: val})
		s.logger.Trace().
			Str("path", pathToString(&gnmi.Path{Elem: join(prefix, p)})).
			Str("value", typedValueToString(val)).
			Msg("gNMI update")
	}
	if len(n.Update) == 0 {
		return nil
	}
	return n
}

func typedValue(f telemetry.Field) *gnmi.TypedValue {
	if v, ok := f.Float(); ok {
		return &gnmi.TypedValue{Value: &gnmi.TypedValue_DoubleVal{DoubleVal: v}}
	}
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: f.Text()}}
}

func selected(paths [][]*gnmi.PathElem, full []*gnmi.PathElem) bool {
	for _, p := range paths {
		if matches(p, full) {
			return true
		}
	}
	return false
}

// requestPaths joins every requested path to the prefix. No paths selects
// everything under the prefix.
func requestPaths(prefix *gnmi.Path, paths []*gnmi.Path) ([][]*gnmi.PathElem, error) {
	if len(paths) == 0 {
		paths = []*gnmi.Path{{}}
	}
	out := make([][]*gnmi.PathElem, 0, len(paths))
	for _, p := range paths {
		elems := join(prefix, p)
		if err := validate(elems); err != nil {
			return nil, fmt.Errorf("path %s: %w", pathToString(&gnmi.Path{Elem: elems}), err)
		}
		out = append(out, elems)
	}
	return out, nil
}
