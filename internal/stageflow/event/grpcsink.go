package event

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCSink streams every event to an external collector over a unary
// gRPC call, following the same optional-exporter shape as
// PostgresSink/RedisSink/Neo4jSink in this package. It sends a generic
// structpb.Struct payload rather than a bespoke generated message —
// this repository has no .proto of its own, so the wire contract is the
// well-known Struct type, letting any collector speak plain JSON-over-
// protobuf without a shared generated client.
type GRPCSink struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
	log     Logger
}

// NewGRPCSink dials addr (insecure.NewCredentials or a TLS-bearing
// grpc.DialOption must be supplied by the caller via opts, matching the
// teacher's pattern of leaving transport security to the caller rather
// than hardcoding it) and returns a sink that calls method for every
// event.
func NewGRPCSink(addr, method string, log Logger, opts ...grpc.DialOption) (*GRPCSink, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCSink{conn: conn, method: method, timeout: 5 * time.Second, log: log}, nil
}

func (s *GRPCSink) Close() error {
	return s.conn.Close()
}

func (s *GRPCSink) Emit(eventType string, data map[string]any) error {
	payload, err := structpb.NewStruct(map[string]any{
		"event_type": eventType,
		"data":       data,
		"emitted_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	return s.conn.Invoke(ctx, s.method, payload, reply)
}

func (s *GRPCSink) TryEmit(eventType string, data map[string]any) {
	if err := s.Emit(eventType, data); err != nil && s.log != nil {
		s.log.Warn("grpc event sink emit failed", "event_type", eventType, "error", err)
	}
}
