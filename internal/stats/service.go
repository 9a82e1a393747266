package stats

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "rocespray.stats.Stats"

	getStatsMethod   = "/" + serviceName + "/GetStats"
	resetStatsMethod = "/" + serviceName + "/ResetStats"
)

// StatsServer is the server API of the stats service
type StatsServer interface {
	GetStats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	ResetStats(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterStatsServer registers srv on s
func RegisterStatsServer(s grpc.ServiceRegistrar, srv StatsServer) {
	s.RegisterService(&statsServiceDesc, srv)
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatsServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatsServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func resetStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatsServer).ResetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resetStatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatsServer).ResetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var statsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StatsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "ResetStats", Handler: resetStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rocespray/stats.proto",
}

// Service implements StatsServer over a set of counters
type Service struct {
	counters *Counters

	mu     sync.RWMutex
	gauges map[string]func() float64
}

// NewService creates a stats service for counters
func NewService(counters *Counters) *Service {
	return &Service{
		counters: counters,
		gauges:   make(map[string]func() float64),
	}
}

// AddGauge reports the value of fn under name alongside the counters
func (s *Service) AddGauge(name string, fn func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = fn
}

// Values returns the counters and gauges by name
func (s *Service) Values() map[string]float64 {
	values := s.counters.Snapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, fn := range s.gauges {
		values[name] = fn()
	}
	return values
}

// GetStats returns every counter and gauge
func (s *Service) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	values := s.Values()
	fields := make(map[string]any, len(values))
	for name, v := range values {
		fields[name] = v
	}
	log.Debug().Int("fields", len(fields)).Msg("Stats request")
	return structpb.NewStruct(fields)
}

// ResetStats zeroes the counters
func (s *Service) ResetStats(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.counters.Reset()
	log.Info().Msg("Stats reset by request")
	return &emptypb.Empty{}, nil
}

// SortedNames returns the keys of values in order
func SortedNames(values map[string]float64) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
