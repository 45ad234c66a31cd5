/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package rsa

import (
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the configuration file.
const (
	EnvServerName    = "CELIX_RSA_SHM_SERVER_NAME"
	EnvPoolSize      = "CELIX_RSA_SHM_POOL_SIZE"
	EnvMsgTimeout    = "CELIX_RSA_SHM_MSG_TIMEOUT"
	EnvMaxConcurrent = "CELIX_RSA_SHM_CCT_IV_NUM"
	EnvMaxFailures   = "CELIX_RSA_SHM_MAX_FAILURES"
	EnvBreakerTime   = "CELIX_RSA_SHM_BREAKER_TIME"
	EnvReplyReserve  = "CELIX_RSA_SHM_REPLY_RESERVE"
	EnvRPCType       = "CELIX_RSA_SHM_RPC_TYPE"
)

// Config carries the admin settings. The configuration file and the
// environment express the timeouts in whole seconds; in memory they are
// durations.
type Config struct {
	// ServerName is the transport instance identity. It has no default;
	// every admin in a host must pick a distinct one.
	ServerName string

	PoolSize        uint64
	MsgTimeout      time.Duration
	MaxConcurrent   int
	MaxFailures     int
	BreakerCooldown time.Duration
	ReplyReserve    uint32

	// RPCType is the codec tag exported services advertise unless their
	// properties pick another.
	RPCType string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		PoolSize:        256 * 1024,
		MsgTimeout:      30 * time.Second,
		MaxConcurrent:   32,
		MaxFailures:     15,
		BreakerCooldown: 60 * time.Second,
		ReplyReserve:    512,
		RPCType:         DefaultRPCType,
	}
}

// fileConfig mirrors the YAML schema. Zero values keep the default.
type fileConfig struct {
	ServerName    string `yaml:"rsaShmServerName"`
	PoolSize      uint64 `yaml:"rsaShmPoolSize"`
	MsgTimeoutS   int    `yaml:"rsaShmMsgTimeout"`
	MaxConcurrent int    `yaml:"rsaShmCctIvNum"`
	MaxFailures   int    `yaml:"rsaShmMaxFailures"`
	BreakerTimeS  int    `yaml:"rsaShmBreakerTime"`
	ReplyReserve  uint32 `yaml:"rsaShmReplyReserve"`
	RPCType       string `yaml:"rsaShmRpcType"`
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file at path when non-empty, then environment overrides. A path that
// cannot be read or parsed is an error rather than silently ignored.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, status.Errorf(codes.InvalidArgument, "rsa: read config: %v", err)
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, status.Errorf(codes.InvalidArgument, "rsa: parse config %s: %v", path, err)
		}
		mergeConfig(&cfg, parsed)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func mergeConfig(dst *Config, src fileConfig) {
	if src.ServerName != "" {
		dst.ServerName = src.ServerName
	}
	if src.PoolSize != 0 {
		dst.PoolSize = src.PoolSize
	}
	if src.MsgTimeoutS != 0 {
		dst.MsgTimeout = time.Duration(src.MsgTimeoutS) * time.Second
	}
	if src.MaxConcurrent != 0 {
		dst.MaxConcurrent = src.MaxConcurrent
	}
	if src.MaxFailures != 0 {
		dst.MaxFailures = src.MaxFailures
	}
	if src.BreakerTimeS != 0 {
		dst.BreakerCooldown = time.Duration(src.BreakerTimeS) * time.Second
	}
	if src.ReplyReserve != 0 {
		dst.ReplyReserve = src.ReplyReserve
	}
	if src.RPCType != "" {
		dst.RPCType = src.RPCType
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvServerName)); v != "" {
		cfg.ServerName = v
	}
	if v, ok := envUint(EnvPoolSize); ok {
		cfg.PoolSize = v
	}
	if v, ok := envUint(EnvMsgTimeout); ok {
		cfg.MsgTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envUint(EnvMaxConcurrent); ok {
		cfg.MaxConcurrent = int(v)
	}
	if v, ok := envUint(EnvMaxFailures); ok {
		cfg.MaxFailures = int(v)
	}
	if v, ok := envUint(EnvBreakerTime); ok {
		cfg.BreakerCooldown = time.Duration(v) * time.Second
	}
	if v, ok := envUint(EnvReplyReserve); ok {
		cfg.ReplyReserve = uint32(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvRPCType)); v != "" {
		cfg.RPCType = v
	}
}

func envUint(name string) (uint64, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}
