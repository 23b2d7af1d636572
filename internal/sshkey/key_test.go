// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package sshkey

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateWritePEMLoadPEMRoundTrip(t *testing.T) {
	key, err := Generate(1024) // small bits: fast test key, never used for real auth
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "agent.pem")
	if err := WritePEM(path, key); err != nil {
		t.Fatalf("WritePEM: %v", err)
	}

	loaded, err := LoadPEM(path)
	if err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Fatal("loaded key modulus does not match generated key")
	}
}

func TestPublicKeyLineFormat(t *testing.T) {
	key, err := Generate(1024)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	line, err := PublicKeyLine(key, "agent@host")
	if err != nil {
		t.Fatalf("PublicKeyLine: %v", err)
	}
	if !strings.HasPrefix(line, "ssh-rsa ") {
		t.Fatalf("expected ssh-rsa prefix, got %q", line)
	}
	if !strings.HasSuffix(line, "agent@host") {
		t.Fatalf("expected comment suffix, got %q", line)
	}
}

func TestParseHostKey(t *testing.T) {
	key, err := Generate(1024)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	line, err := PublicKeyLine(key, "")
	if err != nil {
		t.Fatalf("PublicKeyLine: %v", err)
	}
	if _, err := ParseHostKey(line); err != nil {
		t.Fatalf("ParseHostKey: %v", err)
	}
}

func TestParseHostKeyRejectsGarbage(t *testing.T) {
	if _, err := ParseHostKey("not a key"); err == nil {
		t.Fatal("expected error parsing garbage host key")
	}
}
