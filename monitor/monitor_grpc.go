// Copyright 2023 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The Monitor service carries only well-known message types, so its service
// descriptor is maintained by hand instead of through protoc.

const getStateMethod = "/flowtrain.Monitor/GetState"

// MonitorServer is the server API for the Monitor service.
// All implementations must embed UnimplementedMonitorServer for forward
// compatibility.
type MonitorServer interface {
	// GetState returns a point-in-time view of the run.
	GetState(context.Context, *empty.Empty) (*structpb.Struct, error)
}

// UnimplementedMonitorServer must be embedded to have forward compatible
// implementations.
type UnimplementedMonitorServer struct {
}

func (UnimplementedMonitorServer) GetState(context.Context, *empty.Empty) (_ *structpb.Struct, _ error) {
	return
}

// RegisterMonitorServer registers the Monitor service implementation with
// the given registrar.
func RegisterMonitorServer(s grpc.ServiceRegistrar, srv MonitorServer) {
	s.RegisterService(&monitorServiceDesc, srv)
}

func _Monitor_GetState_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getStateMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MonitorServer).GetState(ctx, req.(*empty.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var monitorServiceDesc = grpc.ServiceDesc{
	ServiceName: "flowtrain.Monitor",
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetState",
			Handler:    _Monitor_GetState_Handler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

// MonitorClient is the client API for the Monitor service.
type MonitorClient interface {
	// GetState returns a point-in-time view of the run.
	GetState(ctx context.Context, in *empty.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type monitorClient struct {
	cc grpc.ClientConnInterface
}

// NewMonitorClient creates a new Monitor client over the given connection.
func NewMonitorClient(cc grpc.ClientConnInterface) MonitorClient {
	return &monitorClient{cc: cc}
}

func (c *monitorClient) GetState(ctx context.Context, in *empty.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
