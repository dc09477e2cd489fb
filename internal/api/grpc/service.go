// Package grpc serves row-level access to databases over gRPC. Messages are
// google.protobuf.Struct so the service needs no generated stubs.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sqlitecult.v1.Rows"

// Method names.
const (
	MethodListTables = "ListTables"
	MethodListRows   = "ListRows"
	MethodGetRow     = "GetRow"
	MethodInsertRow  = "InsertRow"
	MethodUpdateRow  = "UpdateRow"
	MethodDeleteRow  = "DeleteRow"
)

// RowsServer is the server API of the Rows service.
type RowsServer interface {
	ListTables(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRows(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InsertRow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateRow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteRow(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rowsCall func(RowsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call rowsCall) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RowsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RowsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the Rows service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RowsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodListTables, Handler: unaryHandler(MethodListTables, RowsServer.ListTables)},
		{MethodName: MethodListRows, Handler: unaryHandler(MethodListRows, RowsServer.ListRows)},
		{MethodName: MethodGetRow, Handler: unaryHandler(MethodGetRow, RowsServer.GetRow)},
		{MethodName: MethodInsertRow, Handler: unaryHandler(MethodInsertRow, RowsServer.InsertRow)},
		{MethodName: MethodUpdateRow, Handler: unaryHandler(MethodUpdateRow, RowsServer.UpdateRow)},
		{MethodName: MethodDeleteRow, Handler: unaryHandler(MethodDeleteRow, RowsServer.DeleteRow)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sqlitecult/v1/rows.proto",
}

// RegisterRowsServer registers srv on s.
func RegisterRowsServer(s grpc.ServiceRegistrar, srv RowsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// RowsClient calls the Rows service.
type RowsClient struct {
	cc grpc.ClientConnInterface
}

// NewRowsClient creates a client on an open connection.
func NewRowsClient(cc grpc.ClientConnInterface) *RowsClient {
	return &RowsClient{cc: cc}
}

// Call invokes method with a request struct.
func (c *RowsClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
