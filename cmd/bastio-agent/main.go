// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Databracket/bastio-agent/internal/accounts"
	"github.com/Databracket/bastio-agent/internal/agentapp"
	"github.com/Databracket/bastio-agent/internal/backend"
	"github.com/Databracket/bastio-agent/internal/cliapp"
	"github.com/Databracket/bastio-agent/internal/config"
	"github.com/Databracket/bastio-agent/internal/enroll"
	"github.com/Databracket/bastio-agent/internal/logging"
	"github.com/Databracket/bastio-agent/internal/sshkey"
	"github.com/Databracket/bastio-agent/internal/telemetry"
)

func main() {
	args, ok, err := cliapp.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		return // --version or --help already printed by kingpin
	}

	var runErr error
	switch args.Command {
	case cliapp.CommandGenerateKey:
		runErr = runGenerateKey(args)
	case cliapp.CommandUploadKey:
		runErr = runUploadKey(args)
	case cliapp.CommandStart:
		runErr = runStart(args)
	default:
		runErr = fmt.Errorf("no command given")
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

func agentKeyPath(args cliapp.Args) string {
	if args.AgentKey != "" {
		return args.AgentKey
	}
	return "/etc/bastio/agent.pem"
}

func runGenerateKey(args cliapp.Args) error {
	key, err := sshkey.Generate(args.Bits)
	if err != nil {
		return err
	}
	return sshkey.WritePEM(agentKeyPath(args), key)
}

// runUploadKey uploads the agent's public key, replacing the key on
// file at the backend when -n/--new-agent-key names a replacement. -n
// names an already-existing, already-valid private key file: it is
// loaded, not generated, and its public half is uploaded in place of
// the current one. No key file is moved or rewritten; the agent keeps
// using whatever -k/--agent-key names.
func runUploadKey(args cliapp.Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	keyPath := agentKeyPath(args)
	agentKey, err := validatePrivateKeyFile(keyPath)
	if err != nil {
		return fmt.Errorf("agent key file %q %w", keyPath, err)
	}
	oldPublicKey, err := sshkey.PublicKeyLine(agentKey, "bastio-agent")
	if err != nil {
		return err
	}

	publicKey := oldPublicKey
	var replacedPublicKey string
	if args.NewAgentKeyPath != "" {
		newKey, err := validatePrivateKeyFile(args.NewAgentKeyPath)
		if err != nil {
			return fmt.Errorf("new agent key file %q %w", args.NewAgentKeyPath, err)
		}
		publicKey, err = sshkey.PublicKeyLine(newKey, "bastio-agent")
		if err != nil {
			return err
		}
		replacedPublicKey = oldPublicKey
	}

	client := enroll.NewClient(cfg.Enroll.BaseURL, nil)
	return client.UploadPublicKey(cfg.Agent.APIKey, publicKey, replacedPublicKey)
}

// validatePrivateKeyFile checks that path exists, is readable, and
// parses as a valid RSA private key, distinguishing each failure the
// way a caller needs to see it on the command line.
func validatePrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("does not exist")
		}
		return nil, fmt.Errorf("permission to read is denied: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("is a directory, not a key file")
	}
	if f, err := os.Open(path); err != nil {
		return nil, fmt.Errorf("permission to read is denied: %w", err)
	} else {
		f.Close()
	}

	key, err := sshkey.LoadPEM(path)
	if err != nil {
		return nil, fmt.Errorf("is invalid: %w", err)
	}
	return key, nil
}

func runStart(args cliapp.Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	levelVar := &slog.LevelVar{}
	log, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Syslog, args.Debug)
	defer closer.Close()

	keyPath := agentKeyPath(args)
	privateKey, err := validatePrivateKeyFile(keyPath)
	if err != nil {
		return fmt.Errorf("agent key file %q %w", keyPath, err)
	}
	signer, err := sshkey.ParsePrivateKeySigner(privateKey)
	if err != nil {
		return err
	}

	hostKeyLine, err := enroll.NewClient(cfg.Enroll.BaseURL, nil).DownloadBackendHostKey()
	if err != nil {
		return fmt.Errorf("downloading backend host key: %w", err)
	}
	hostKey, err := sshkey.ParseHostKey(hostKeyLine)
	if err != nil {
		return err
	}

	host := cfg.Agent.Host
	if args.Host != "" {
		host = args.Host
	}
	port := cfg.Agent.Port
	if args.Port != 0 {
		port = args.Port
	}

	egressRate, err := cfg.EgressRateBytesPerSec()
	if err != nil {
		return err
	}

	connector := backend.New(backend.Config{
		Host:                  host,
		Port:                  port,
		Username:              "bastio-agent",
		Signer:                signer,
		HostKey:               hostKey,
		AgentVersion:          cliapp.Version,
		EgressRateBytesPerSec: egressRate,
	}, log)

	processor := accounts.New(log, nil)
	connector.Register(processor.Endpoint())

	telemetryEndpoint := backend.NewEndpoint()
	connector.Register(telemetryEndpoint)
	reporter := telemetry.New(telemetryEndpoint.Egress, telemetry.DefaultInterval, log)

	minThreads := cfg.Agent.MinThreads
	if args.MinThreads != 0 {
		minThreads = args.MinThreads
	}

	app := agentapp.New(agentapp.Config{
		ConfigPath:  args.ConfigPath,
		MinWorkers:  minThreads,
		StopTimeout: 3 * time.Second,
	}, log, levelVar, connector, processor, reporter)

	return app.Run(context.Background())
}

func loadConfig(args cliapp.Args) (*config.AgentConfig, error) {
	path := args.ConfigPath
	if path == "" {
		path = "/etc/bastio/agent.yaml"
	}
	return config.LoadAgentConfig(path)
}
