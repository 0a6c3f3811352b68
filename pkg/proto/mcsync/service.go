package mcsync

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "mcsync.Sync"

const (
	helloMethod    = "/mcsync.Sync/Hello"
	manifestMethod = "/mcsync.Sync/GetManifest"
	fetchMethod    = "/mcsync.Sync/Fetch"
	pushMethod     = "/mcsync.Sync/Push"
	deleteMethod   = "/mcsync.Sync/Delete"
	doneMethod     = "/mcsync.Sync/Done"
	notifyMethod   = "/mcsync.Sync/Notify"
)

// SyncServer is the server API for the Sync service.
type SyncServer interface {
	Hello(context.Context, *HelloRequest) (*HelloResponse, error)
	GetManifest(context.Context, *ManifestRequest) (*ManifestResponse, error)
	Fetch(*FetchRequest, Sync_FetchServer) error
	Push(Sync_PushServer) error
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Done(context.Context, *DoneRequest) (*DoneResponse, error)
	Notify(context.Context, *NotifyRequest) (*NotifyResponse, error)
}

// RegisterSyncServer registers srv with the gRPC server.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&Sync_ServiceDesc, srv)
}

// Sync_ServiceDesc is the grpc.ServiceDesc for the Sync service.
var Sync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Hello",
			Handler: unaryHandler(helloMethod, func(srv SyncServer, ctx context.Context, in *HelloRequest) (*HelloResponse, error) {
				return srv.Hello(ctx, in)
			}),
		},
		{
			MethodName: "GetManifest",
			Handler: unaryHandler(manifestMethod, func(srv SyncServer, ctx context.Context, in *ManifestRequest) (*ManifestResponse, error) {
				return srv.GetManifest(ctx, in)
			}),
		},
		{
			MethodName: "Delete",
			Handler: unaryHandler(deleteMethod, func(srv SyncServer, ctx context.Context, in *DeleteRequest) (*DeleteResponse, error) {
				return srv.Delete(ctx, in)
			}),
		},
		{
			MethodName: "Done",
			Handler: unaryHandler(doneMethod, func(srv SyncServer, ctx context.Context, in *DoneRequest) (*DoneResponse, error) {
				return srv.Done(ctx, in)
			}),
		},
		{
			MethodName: "Notify",
			Handler: unaryHandler(notifyMethod, func(srv SyncServer, ctx context.Context, in *NotifyRequest) (*NotifyResponse, error) {
				return srv.Notify(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Fetch",
			Handler:       fetchHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "Push",
			Handler:       pushHandler,
			ClientStreams: true,
		},
	},
	Metadata: "mcsync",
}

func unaryHandler[Req, Resp any](method string,
	call func(SyncServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context,
	func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {

	return func(srv interface{}, ctx context.Context, dec func(interface{}) error,
		interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SyncServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SyncServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fetchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(FetchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).Fetch(in, &syncFetchServer{stream})
}

func pushHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SyncServer).Push(&syncPushServer{stream})
}

type Sync_FetchServer interface {
	Send(*FetchChunk) error
	grpc.ServerStream
}

type syncFetchServer struct {
	grpc.ServerStream
}

func (x *syncFetchServer) Send(m *FetchChunk) error {
	return x.ServerStream.SendMsg(m)
}

type Sync_PushServer interface {
	SendAndClose(*PushResponse) error
	Recv() (*PushMessage, error)
	grpc.ServerStream
}

type syncPushServer struct {
	grpc.ServerStream
}

func (x *syncPushServer) SendAndClose(m *PushResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *syncPushServer) Recv() (*PushMessage, error) {
	m := new(PushMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SyncClient is the client API for the Sync service.
type SyncClient interface {
	Hello(ctx context.Context, in *HelloRequest, opts ...grpc.CallOption) (*HelloResponse, error)
	GetManifest(ctx context.Context, in *ManifestRequest, opts ...grpc.CallOption) (*ManifestResponse, error)
	Fetch(ctx context.Context, in *FetchRequest, opts ...grpc.CallOption) (Sync_FetchClient, error)
	Push(ctx context.Context, opts ...grpc.CallOption) (Sync_PushClient, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
	Done(ctx context.Context, in *DoneRequest, opts ...grpc.CallOption) (*DoneResponse, error)
	Notify(ctx context.Context, in *NotifyRequest, opts ...grpc.CallOption) (*NotifyResponse, error)
}

type syncClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncClient returns a client for the Sync service.
func NewSyncClient(cc grpc.ClientConnInterface) SyncClient {
	return &syncClient{cc}
}

func (c *syncClient) Hello(ctx context.Context, in *HelloRequest, opts ...grpc.CallOption) (*HelloResponse, error) {
	out := new(HelloResponse)
	if err := c.cc.Invoke(ctx, helloMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) GetManifest(ctx context.Context, in *ManifestRequest, opts ...grpc.CallOption) (*ManifestResponse, error) {
	out := new(ManifestResponse)
	if err := c.cc.Invoke(ctx, manifestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	out := new(DeleteResponse)
	if err := c.cc.Invoke(ctx, deleteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Done(ctx context.Context, in *DoneRequest, opts ...grpc.CallOption) (*DoneResponse, error) {
	out := new(DoneResponse)
	if err := c.cc.Invoke(ctx, doneMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Notify(ctx context.Context, in *NotifyRequest, opts ...grpc.CallOption) (*NotifyResponse, error) {
	out := new(NotifyResponse)
	if err := c.cc.Invoke(ctx, notifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Fetch(ctx context.Context, in *FetchRequest, opts ...grpc.CallOption) (Sync_FetchClient, error) {
	stream, err := c.cc.NewStream(ctx, &Sync_ServiceDesc.Streams[0], fetchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &syncFetchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type Sync_FetchClient interface {
	Recv() (*FetchChunk, error)
	grpc.ClientStream
}

type syncFetchClient struct {
	grpc.ClientStream
}

func (x *syncFetchClient) Recv() (*FetchChunk, error) {
	m := new(FetchChunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *syncClient) Push(ctx context.Context, opts ...grpc.CallOption) (Sync_PushClient, error) {
	stream, err := c.cc.NewStream(ctx, &Sync_ServiceDesc.Streams[1], pushMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &syncPushClient{stream}, nil
}

type Sync_PushClient interface {
	Send(*PushMessage) error
	CloseAndRecv() (*PushResponse, error)
	grpc.ClientStream
}

type syncPushClient struct {
	grpc.ClientStream
}

func (x *syncPushClient) Send(m *PushMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *syncPushClient) CloseAndRecv() (*PushResponse, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(PushResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
