package main

import (
	"testing"
	"time"
)

func TestBuildGRPCServerOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts := cfg.BuildGRPCServerOptions()
	if len(opts) != 5 {
		t.Errorf("BuildGRPCServerOptions() returned %d options, want 5", len(opts))
	}
}

func TestValidateGRPCConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateGRPCConfig(); err != nil {
		t.Errorf("ValidateGRPCConfig() error = %v, want nil", err)
	}
}

func TestValidateGRPCConfig_ZeroConcurrentStreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCMaxConcurrentStreams = 0
	if err := cfg.ValidateGRPCConfig(); err == nil {
		t.Error("ValidateGRPCConfig() error = nil, want error")
	}
}

func TestValidateGRPCConfig_BadRecvSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCMaxRecvMsgSize = 0
	if err := cfg.ValidateGRPCConfig(); err == nil {
		t.Error("ValidateGRPCConfig() error = nil, want error")
	}
}

func TestValidateGRPCConfig_BadSendSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCMaxSendMsgSize = -1
	if err := cfg.ValidateGRPCConfig(); err == nil {
		t.Error("ValidateGRPCConfig() error = nil, want error")
	}
}

func TestValidateGRPCConfig_BadKeepAlive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAliveTime = 0
	if err := cfg.ValidateGRPCConfig(); err == nil {
		t.Error("ValidateGRPCConfig() error = nil, want error")
	}

	cfg = DefaultConfig()
	cfg.KeepAliveTime = -time.Second
	if err := cfg.ValidateGRPCConfig(); err == nil {
		t.Error("ValidateGRPCConfig() with negative error = nil, want error")
	}
}
