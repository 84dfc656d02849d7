// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package edgemux

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfigPrefix(t *testing.T) {
	t.Setenv("EDGEMUX_TCP_ADDRESS", ":7000")
	t.Setenv("EDGEMUX_TCP_TARGET", "10.0.0.5:6379")
	t.Setenv("EDGEMUX_TCP_MAX_CONNECTIONS", "128")
	t.Setenv("EDGEMUX_TCP_INSPECT_TIMEOUT", "3s")

	cfg, err := NewConfig(env.Options{Prefix: "EDGEMUX_TCP_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Address != ":7000" {
		t.Errorf("address = %q", cfg.Address)
	}
	if cfg.Target != "10.0.0.5:6379" {
		t.Errorf("target = %q", cfg.Target)
	}
	if cfg.MaxConnections != 128 {
		t.Errorf("max connections = %d", cfg.MaxConnections)
	}
	if cfg.InspectTimeout != 3*time.Second {
		t.Errorf("inspect timeout = %v", cfg.InspectTimeout)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout default = %v", cfg.ShutdownTimeout)
	}
}

func TestClusterMap(t *testing.T) {
	cfg := Config{Clusters: `{"cache":"10.0.0.1:6379","api":"10.0.0.2:443"}`}
	m, err := cfg.ClusterMap()
	if err != nil {
		t.Fatalf("ClusterMap: %v", err)
	}
	if m["cache"] != "10.0.0.1:6379" || m["api"] != "10.0.0.2:443" {
		t.Errorf("unexpected map: %v", m)
	}

	if m, err := (Config{}).ClusterMap(); err != nil || m != nil {
		t.Errorf("empty clusters: map=%v err=%v", m, err)
	}

	if _, err := (Config{Clusters: "not json"}).ClusterMap(); err == nil {
		t.Error("expected error for malformed clusters")
	}
}

func TestChainDocument(t *testing.T) {
	inline := Config{FilterChain: `[{"kind":"echo"}]`}
	doc, err := inline.ChainDocument()
	if err != nil {
		t.Fatalf("ChainDocument: %v", err)
	}
	if string(doc) != `[{"kind":"echo"}]` {
		t.Errorf("inline chain = %q", doc)
	}

	path := filepath.Join(t.TempDir(), "chain.json")
	if err := os.WriteFile(path, []byte(`[{"kind":"tlsdetect"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	fromFile := Config{FilterChain: `[{"kind":"echo"}]`, FilterChainFile: path}
	doc, err = fromFile.ChainDocument()
	if err != nil {
		t.Fatalf("ChainDocument: %v", err)
	}
	if string(doc) != `[{"kind":"tlsdetect"}]` {
		t.Errorf("file chain = %q, want file contents to win", doc)
	}

	if doc, err := (Config{}).ChainDocument(); err != nil || doc != nil {
		t.Errorf("empty chain: doc=%q err=%v", doc, err)
	}

	missing := Config{FilterChainFile: filepath.Join(t.TempDir(), "absent.json")}
	if _, err := missing.ChainDocument(); err == nil {
		t.Error("expected error for missing chain file")
	}
}

func TestTLSConfig(t *testing.T) {
	cfg, err := (Config{}).TLSConfig()
	if err != nil || cfg != nil {
		t.Errorf("plaintext listener: cfg=%v err=%v", cfg, err)
	}

	if _, err := (Config{CertFile: "no-such.pem", KeyFile: "no-such.key"}).TLSConfig(); err == nil {
		t.Error("expected error for missing certificate files")
	}
}
