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

// Package monitor exposes the state of an in-flight run over gRPC so that
// external tooling, e.g. a container orchestrator or a launch script, can
// observe epoch progress without scraping logs. The service is read-only
// and optional; the run does not depend on it.
package monitor

import (
	"context"
	"fmt"
	"net"

	"github.com/9rum/flowtrain/trainer"
	"github.com/golang/glog"
	"github.com/golang/protobuf/ptypes/empty"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Source provides the run view served by the monitor. It is satisfied by
// trainer.Trainer.
type Source interface {
	Snapshot() trainer.Snapshot
}

// monitorServer implements the server API for the Monitor service.
type monitorServer struct {
	UnimplementedMonitorServer
	source Source
}

// GetState returns the current run snapshot.
func (s *monitorServer) GetState(ctx context.Context, in *empty.Empty) (*structpb.Struct, error) {
	snapshot := s.source.Snapshot()
	return structpb.NewStruct(map[string]interface{}{
		"state":          snapshot.State,
		"epoch":          float64(snapshot.Epoch),
		"step":           float64(snapshot.Step),
		"skipped_shards": float64(snapshot.SkippedShards),
		"loss":           snapshot.Loss,
	})
}

// Serve runs the monitor service on the given port until the context is
// cancelled, then stops gracefully. It blocks; run it on its own goroutine
// next to the trainer.
func Serve(ctx context.Context, port int, source Source) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(),
		),
	)
	RegisterMonitorServer(server, &monitorServer{source: source})

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	glog.Infof("monitor listening at %v", lis.Addr())
	return server.Serve(lis)
}
