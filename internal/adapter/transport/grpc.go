package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

func init() {
	// NOTE: This registers a "json" codec process-wide. Only calls that ask
	// for the "json" content subtype use it.
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc encoding.Codec using JSON. Frames travel as
// json.RawMessage, so the payload on the stream is the wire frame itself.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// TelemetryStreamMethod is the full method name of the bidi frame stream.
const TelemetryStreamMethod = "/m2.Telemetry/Stream"

// TelemetryServer is the server API for the telemetry frame stream.
type TelemetryServer interface {
	Stream(stream grpc.ServerStream) error
}

func _Telemetry_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TelemetryServer).Stream(stream)
}

// Telemetry_ServiceDesc is the grpc.ServiceDesc for the telemetry service.
var Telemetry_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "m2.Telemetry",
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Telemetry_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "telemetry.proto",
}

// RegisterTelemetryServer registers srv with a gRPC server.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&Telemetry_ServiceDesc, srv)
}

// FrameStream is the part of a client or server stream that carries frames.
type FrameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// RecvFrame reads one frame from a telemetry stream.
func RecvFrame(stream FrameStream) ([]byte, error) {
	var msg json.RawMessage
	if err := stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendFrame writes one frame to a telemetry stream.
func SendFrame(stream FrameStream, frame []byte) error {
	return stream.SendMsg(json.RawMessage(frame))
}

// GRPCDialer opens the telemetry bidi stream over a plaintext connection.
type GRPCDialer struct {
	Target      string
	Method      string
	DialOptions []grpc.DialOption
}

// NewGRPCDialer creates a dialer for target. An empty method selects
// TelemetryStreamMethod.
func NewGRPCDialer(target, method string) *GRPCDialer {
	if method == "" {
		method = TelemetryStreamMethod
	}
	return &GRPCDialer{Target: target, Method: method}
}

// Endpoint returns the target and method.
func (d *GRPCDialer) Endpoint() string { return "grpc://" + d.Target + d.Method }

// Dial creates the client connection and opens the stream. ctx bounds the
// setup only; the stream lives until the returned Conn is closed.
func (d *GRPCDialer) Dial(ctx context.Context) (Conn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	}, d.DialOptions...)
	cc, err := grpc.NewClient(d.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", d.Target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &grpc.StreamDesc{
		StreamName:    "Stream",
		ServerStreams: true,
		ClientStreams: true,
	}, d.Method)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("grpc open stream %s: %w", d.Method, err)
	}
	return &grpcConn{cc: cc, stream: stream, cancel: cancel}, nil
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Read blocks until the next frame. Cancellation goes through Close.
func (c *grpcConn) Read(_ context.Context) ([]byte, error) {
	return RecvFrame(c.stream)
}

func (c *grpcConn) Write(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return SendFrame(c.stream, frame)
}

func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.cc.Close()
	})
	return c.closeErr
}
