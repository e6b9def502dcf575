package main

import (
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// BuildGRPCServerOptions returns grpc.ServerOption slice for server configuration.
// Combines keepalive settings with message size and concurrency options.
// Arrow batches arrive as single messages, so the size limits bound the
// largest ingestable batch.
func (c *Config) BuildGRPCServerOptions() []grpc.ServerOption {
	kaParams := keepalive.ServerParameters{
		Time:    c.KeepAliveTime,
		Timeout: c.KeepAliveTimeout,
	}
	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             c.KeepAliveMinTime,
		PermitWithoutStream: c.KeepAlivePermitWithoutStream,
	}

	return []grpc.ServerOption{
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),

		grpc.MaxConcurrentStreams(c.GRPCMaxConcurrentStreams),

		grpc.MaxRecvMsgSize(c.GRPCMaxRecvMsgSize),
		grpc.MaxSendMsgSize(c.GRPCMaxSendMsgSize),
	}
}

// ValidateGRPCConfig checks if the gRPC configuration is valid.
func (c *Config) ValidateGRPCConfig() error {
	if c.GRPCMaxConcurrentStreams == 0 {
		return errors.New("grpc_max_concurrent_streams must be > 0")
	}
	if c.GRPCMaxRecvMsgSize <= 0 {
		return errors.New("grpc_max_recv_msg_size must be > 0")
	}
	if c.GRPCMaxSendMsgSize <= 0 {
		return errors.New("grpc_max_send_msg_size must be > 0")
	}
	if c.KeepAliveTime <= 0 {
		return errors.New("keepalive_time must be > 0")
	}
	return nil
}
