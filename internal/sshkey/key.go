// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package sshkey provides the agent identity and host-key pinning
// helpers around the boundary between bastio-agent's core and the
// one-shot key-generation/enrollment CLI commands. The RSA primitives
// themselves are not core (spec boundary); this package only adapts
// crypto/rsa output into the OpenSSH encodings the wire and the
// enrollment HTTP calls expect.
package sshkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// CryptoError wraps a failure generating, loading, or encoding key
// material.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("sshkey: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// DefaultBits is used by Generate when bits <= 0.
const DefaultBits = 2048

// Generate creates a new RSA private key. bits <= 0 selects
// DefaultBits.
func Generate(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &CryptoError{Op: "generate", Err: err}
	}
	return key, nil
}

// WritePEM writes key as a PKCS#1 PEM-encoded private key to path with
// file mode 0600.
func WritePEM(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	data := pem.EncodeToMemory(block)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &CryptoError{Op: "write private key", Err: err}
	}
	return nil
}

// LoadPEM reads and parses a PEM-encoded RSA private key from path.
func LoadPEM(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CryptoError{Op: "read private key", Err: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &CryptoError{Op: "decode private key", Err: fmt.Errorf("no PEM block found")}
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, &CryptoError{Op: "parse private key", Err: err}
	}
	return key, nil
}

// PublicKeyLine renders key's public half as a single OpenSSH
// authorized_keys-style line ("ssh-rsa AAAA... comment").
func PublicKeyLine(key *rsa.PrivateKey, comment string) (string, error) {
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return "", &CryptoError{Op: "derive public key", Err: err}
	}
	line := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	// MarshalAuthorizedKey already appends a trailing newline; trim it
	// and append the caller's comment in its place.
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}

// ParseHostKey parses a single OpenSSH public key line (as returned by
// the backend's host-key enrollment endpoint) into an ssh.PublicKey
// suitable for ssh.FixedHostKey pinning.
func ParseHostKey(line string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, &CryptoError{Op: "parse host key", Err: err}
	}
	return key, nil
}

// ParsePrivateKeySigner adapts an RSA key to an ssh.Signer for use in
// an ssh.ClientConfig's Auth list.
func ParsePrivateKeySigner(key *rsa.PrivateKey) (ssh.Signer, error) {
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, &CryptoError{Op: "build signer", Err: err}
	}
	return signer, nil
}
