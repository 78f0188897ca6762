package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "fieldkeeper.evaluation.v1.EvaluationService"

// Messages are google.protobuf.Struct on both sides, so the service needs
// no generated code:
//
//	Evaluate         {scope, record}            -> {runId, tenant, scope, record, audit, aborted}
//	EvaluateBatch    {scope, records[]}         -> {acceptedCount, results[]}
//	EvaluateDocument {header, lines[], taxes[]} -> {runId, header, lines[], taxes[], aborted}
type EvaluationServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes the evaluation service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: structHandler("Evaluate", func(s EvaluationServer) unaryMethod { return s.Evaluate })},
		{MethodName: "EvaluateBatch", Handler: structHandler("EvaluateBatch", func(s EvaluationServer) unaryMethod { return s.EvaluateBatch })},
		{MethodName: "EvaluateDocument", Handler: structHandler("EvaluateDocument", func(s EvaluationServer) unaryMethod { return s.EvaluateDocument })},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldkeeper/evaluation/v1/evaluation.proto",
}

// RegisterEvaluationServer registers srv on s.
func RegisterEvaluationServer(s grpc.ServiceRegistrar, srv EvaluationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func structHandler(name string, pick func(EvaluationServer) unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := pick(srv.(EvaluationServer))
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls the evaluation service over a client connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate evaluates one record.
func (c *Client) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Evaluate", in, opts)
}

// EvaluateBatch evaluates several records of one scope.
func (c *Client) EvaluateBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "EvaluateBatch", in, opts)
}

// EvaluateDocument evaluates a header with its lines and taxes.
func (c *Client) EvaluateDocument(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "EvaluateDocument", in, opts)
}
