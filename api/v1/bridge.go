// Package v1 is the gRPC surface of the job bridge.
//
// Messages travel as google.protobuf.Struct so that requests and outward
// events keep the same JSON shape on gRPC as they have over HTTP.
package v1

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nixpig/jobbridge/internal/bridge/event"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName     = "bridge.v1.BridgeService"
	SubmitJobMethod = "/" + ServiceName + "/SubmitJob"
	StreamJobMethod = "/" + ServiceName + "/StreamJob"
)

type SubmitJobRequest struct {
	SessionID        string `json:"sessionId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Text             string `json:"text"`
	Mode             string `json:"mode,omitempty"`
	LoopDepth        int    `json:"loopDepth,omitempty"`
	AllowMemoryWrite bool   `json:"allowMemoryWrite,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"jobId"`
}

type StreamJobRequest struct {
	JobID string `json:"jobId"`
}

// BridgeServiceServer is implemented by the bridge server.
type BridgeServiceServer interface {
	SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error)
	StreamJob(*StreamJobRequest, StreamJobServer) error
}

// StreamJobServer is the server side of a StreamJob call.
type StreamJobServer interface {
	Send(event.Event) error
	grpc.ServerStream
}

// UnimplementedBridgeServiceServer can be embedded to satisfy
// BridgeServiceServer.
type UnimplementedBridgeServiceServer struct{}

func (UnimplementedBridgeServiceServer) SubmitJob(
	context.Context,
	*SubmitJobRequest,
) (*SubmitJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitJob not implemented")
}

func (UnimplementedBridgeServiceServer) StreamJob(
	*StreamJobRequest,
	StreamJobServer,
) error {
	return status.Error(codes.Unimplemented, "method StreamJob not implemented")
}

func RegisterBridgeServiceServer(s grpc.ServiceRegistrar, srv BridgeServiceServer) {
	s.RegisterService(&BridgeServiceDesc, srv)
}

var BridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitJob",
			Handler:    submitJobHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamJob",
			Handler:       streamJobHandler,
			ServerStreams: true,
		},
	},
}

func submitJobHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		var r SubmitJobRequest
		if err := FromStruct(req.(*structpb.Struct), &r); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		resp, err := srv.(BridgeServiceServer).SubmitJob(ctx, &r)
		if err != nil {
			return nil, err
		}

		return ToStruct(resp)
	}

	if interceptor == nil {
		return handler(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SubmitJobMethod,
	}

	return interceptor(ctx, in, info, handler)
}

func streamJobHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	var r StreamJobRequest
	if err := FromStruct(in, &r); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	return srv.(BridgeServiceServer).StreamJob(&r, &streamJobServer{stream})
}

type streamJobServer struct {
	grpc.ServerStream
}

func (s *streamJobServer) Send(ev event.Event) error {
	msg, err := ToStruct(ev)
	if err != nil {
		return err
	}

	return s.SendMsg(msg)
}

// BridgeServiceClient is the client API for the bridge.
type BridgeServiceClient interface {
	SubmitJob(
		ctx context.Context,
		in *SubmitJobRequest,
		opts ...grpc.CallOption,
	) (*SubmitJobResponse, error)

	StreamJob(
		ctx context.Context,
		in *StreamJobRequest,
		opts ...grpc.CallOption,
	) (StreamJobClient, error)
}

// StreamJobClient receives the events of one job. Recv returns io.EOF after
// the server closes the stream.
type StreamJobClient interface {
	Recv() (event.Event, error)
	grpc.ClientStream
}

type bridgeServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBridgeServiceClient(cc grpc.ClientConnInterface) BridgeServiceClient {
	return &bridgeServiceClient{cc}
}

func (c *bridgeServiceClient) SubmitJob(
	ctx context.Context,
	in *SubmitJobRequest,
	opts ...grpc.CallOption,
) (*SubmitJobResponse, error) {
	req, err := ToStruct(in)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SubmitJobMethod, req, out, opts...); err != nil {
		return nil, err
	}

	var resp SubmitJobResponse
	if err := FromStruct(out, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *bridgeServiceClient) StreamJob(
	ctx context.Context,
	in *StreamJobRequest,
	opts ...grpc.CallOption,
) (StreamJobClient, error) {
	req, err := ToStruct(in)
	if err != nil {
		return nil, err
	}

	stream, err := c.cc.NewStream(
		ctx,
		&BridgeServiceDesc.Streams[0],
		StreamJobMethod,
		opts...,
	)
	if err != nil {
		return nil, err
	}

	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &streamJobClient{stream}, nil
}

type streamJobClient struct {
	grpc.ClientStream
}

func (c *streamJobClient) Recv() (event.Event, error) {
	msg := new(structpb.Struct)
	if err := c.RecvMsg(msg); err != nil {
		return event.Event{}, err
	}

	var ev event.Event
	if err := FromStruct(msg, &ev); err != nil {
		return event.Event{}, err
	}

	return ev, nil
}

// ToStruct converts v through its JSON encoding into a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("convert message: %w", err)
	}

	return s, nil
}

// FromStruct decodes s into v through its JSON encoding.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("convert message: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
