// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package config validates and normalizes the CLI surface: the
// storage-path positional plus the --acme/--email/--marathon/--lb/--group
// flag set, with Vault mode environment variables layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultACMEDirectory   = "https://acme-v02.api.letsencrypt.org/directory"
	DefaultGroup           = "external"
	DefaultListen          = ":8000"
	DefaultMarathonTimeout = 10 * time.Second
	DefaultSSETimeout      = 60 * time.Second
)

var (
	defaultMarathonEndpoints = []string{"http://marathon.mesos:8080"}
	defaultLBEndpoints       = []string{"http://marathon-lb.marathon.mesos:9090"}
)

// LogLevel is one of the five levels the CLI accepts.
type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

func (l LogLevel) valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelCritical:
		return true
	}
	return false
}

// Config is the fully validated, normalized set of options the CLI
// surface resolves to; everything downstream wires off this struct
// rather than re-reading flags.
type Config struct {
	StoragePath        string
	ACMEDirectory      string
	Email              string
	MarathonEndpoints  []string
	LBEndpoints        []string
	Group              string
	AllowMultipleCerts bool
	Listen             string
	MarathonTimeout    time.Duration
	SSETimeout         time.Duration
	LogLevel           LogLevel
	Vault              bool
	VaultEnv           VaultEnv
}

// VaultEnv carries the Vault CLI-compatible environment variables read
// when --vault is set. Unset variables are left as their zero value; it
// is the vaultstore client's job to fall back to library defaults.
type VaultEnv struct {
	Addr          string
	Token         string
	CACert        string
	TLSServerName string
	ClientCert    string
	ClientKey     string
	SkipVerify    bool
	SkipVerifySet bool
}

// ReadVaultEnv reads the VAULT_* environment variables per the Vault
// CLI's own conventions, parsing VAULT_SKIP_VERIFY with strconv.ParseBool.
func ReadVaultEnv() (VaultEnv, error) {
	env := VaultEnv{
		Addr:          os.Getenv("VAULT_ADDR"),
		Token:         os.Getenv("VAULT_TOKEN"),
		CACert:        os.Getenv("VAULT_CACERT"),
		TLSServerName: os.Getenv("VAULT_TLS_SERVER_NAME"),
		ClientCert:    os.Getenv("VAULT_CLIENT_CERT"),
		ClientKey:     os.Getenv("VAULT_CLIENT_KEY"),
	}
	if raw, ok := os.LookupEnv("VAULT_SKIP_VERIFY"); ok {
		skip, err := strconv.ParseBool(raw)
		if err != nil {
			return VaultEnv{}, fmt.Errorf("config: parsing VAULT_SKIP_VERIFY: %w", err)
		}
		env.SkipVerify = skip
		env.SkipVerifySet = true
	}
	return env, nil
}

// Flags is the minimal surface Validate needs from a pflag.FlagSet,
// mirroring the narrow Flags wrapper the core's cmd package uses to
// keep command functions independent of the underlying flag library.
type Flags struct {
	StoragePath        string
	ACME               string
	Email              string
	Marathon           string
	LB                 string
	Group              string
	AllowMultipleCerts bool
	Listen             string
	MarathonTimeout    int
	SSETimeout         int
	LogLevel           string
	Vault              bool
}

// Validate normalizes raw flag values into a Config, applying defaults
// and rejecting combinations the CLI surface forbids. sseTimeoutSet
// distinguishes an explicit `--sse-timeout 0` (disable the idle
// timeout) from an unset flag (apply the default); pflag's
// Changed() tells the caller which case applies. A non-nil error here
// corresponds to CLI exit code 2.
func Validate(fl Flags, sseTimeoutSet bool) (Config, error) {
	if strings.TrimSpace(fl.StoragePath) == "" {
		return Config{}, errors.New("config: storage-path is required")
	}

	cfg := Config{
		StoragePath:        fl.StoragePath,
		ACMEDirectory:      fl.ACME,
		Email:              fl.Email,
		Group:              fl.Group,
		AllowMultipleCerts: fl.AllowMultipleCerts,
		Listen:             fl.Listen,
		Vault:              fl.Vault,
	}

	if cfg.ACMEDirectory == "" {
		cfg.ACMEDirectory = DefaultACMEDirectory
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	cfg.MarathonEndpoints = splitEndpoints(fl.Marathon, defaultMarathonEndpoints)
	cfg.LBEndpoints = splitEndpoints(fl.LB, defaultLBEndpoints)

	if fl.MarathonTimeout <= 0 {
		cfg.MarathonTimeout = DefaultMarathonTimeout
	} else {
		cfg.MarathonTimeout = time.Duration(fl.MarathonTimeout) * time.Second
	}

	if fl.SSETimeout < 0 {
		return Config{}, errors.New("config: sse-timeout must be >= 0")
	}
	switch {
	case fl.SSETimeout == 0 && sseTimeoutSet:
		cfg.SSETimeout = 0
	case fl.SSETimeout == 0:
		cfg.SSETimeout = DefaultSSETimeout
	default:
		cfg.SSETimeout = time.Duration(fl.SSETimeout) * time.Second
	}

	level := LogLevel(fl.LogLevel)
	if level == "" {
		level = LogLevelInfo
	}
	if !level.valid() {
		return Config{}, fmt.Errorf("config: invalid log-level %q", fl.LogLevel)
	}
	cfg.LogLevel = level

	if cfg.Vault {
		env, err := ReadVaultEnv()
		if err != nil {
			return Config{}, err
		}
		cfg.VaultEnv = env
	}

	return cfg, nil
}

func splitEndpoints(raw string, fallback []string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		out := make([]string, len(fallback))
		copy(out, fallback)
		return out
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		out = append(out, fallback...)
	}
	return out
}
