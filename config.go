// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package edgemux holds the environment configuration shared by the
// edgemux listeners. Each listener is configured under its own env
// prefix and turned into a server by cmd/edgemux.
package edgemux

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config describes a single TCP listener read from the environment.
type Config struct {
	// Address is the listen address; an empty address disables the
	// listener.
	Address string `env:"ADDRESS"         envDefault:""`

	// Target is the default upstream. Empty means the filter chain must
	// answer all traffic itself.
	Target string `env:"TARGET"          envDefault:""`

	// Clusters is a JSON object mapping cluster names, as chosen by
	// routing filters, to upstream addresses.
	Clusters string `env:"CLUSTERS"        envDefault:""`

	// FilterChain is an inline JSON array of filter specs. When
	// FilterChainFile is set it takes precedence and the chain is read
	// from that file instead.
	FilterChain     string `env:"FILTER_CHAIN"      envDefault:""`
	FilterChainFile string `env:"FILTER_CHAIN_FILE" envDefault:""`

	MaxConnections  int64         `env:"MAX_CONNECTIONS"   envDefault:"0"`
	RejectMessage   string        `env:"REJECT_MESSAGE"    envDefault:""`
	InspectTimeout  time.Duration `env:"INSPECT_TIMEOUT"   envDefault:"10s"`
	MaxInspectBytes int           `env:"MAX_INSPECT_BYTES" envDefault:"65536"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	// TLS termination for the listener. Leaving CertFile and KeyFile
	// empty keeps the listener plaintext.
	CertFile     string `env:"SERVER_CERT"    envDefault:""`
	KeyFile      string `env:"SERVER_KEY"     envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`
}

// NewConfig reads a listener configuration from the environment,
// typically with env.Options{Prefix: "EDGEMUX_<NAME>_"}.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ClusterMap decodes the CLUSTERS JSON object. An empty value yields a
// nil map.
func (c Config) ClusterMap() (map[string]string, error) {
	if c.Clusters == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(c.Clusters), &m); err != nil {
		return nil, fmt.Errorf("invalid clusters config: %w", err)
	}
	return m, nil
}

// ChainDocument returns the JSON filter chain for the listener, reading
// FilterChainFile when set. A listener without a chain gets nil, which
// builds an empty chain.
func (c Config) ChainDocument() ([]byte, error) {
	if c.FilterChainFile != "" {
		doc, err := os.ReadFile(c.FilterChainFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read filter chain file: %w", err)
		}
		return doc, nil
	}
	if c.FilterChain == "" {
		return nil, nil
	}
	return []byte(c.FilterChain), nil
}

// TLSConfig loads the listener's TLS material. It returns nil when no
// certificate is configured, and requires client certificates when
// ClientCAFile is set.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		ca, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates found in %s", c.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
