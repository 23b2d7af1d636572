// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package cliapp implements the bastio-agent CLI surface: generate-key,
// upload-key, and start, plus the global -c/-k/--debug/--version flags.
// Subcommands carry typed, validated flags (required API keys, integer
// bit counts and ports), which is what kingpin buys over hand-parsing
// os.Args.
package cliapp

import (
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// Command identifies which subcommand was selected.
type Command string

const (
	CommandGenerateKey Command = "generate-key"
	CommandUploadKey   Command = "upload-key"
	CommandStart       Command = "start"
)

// Args holds every flag value across all subcommands, populated by
// Parse. Only the fields relevant to the selected Command are
// meaningful.
type Args struct {
	Command Command

	ConfigPath string
	AgentKey   string
	Debug      bool

	// generate-key
	Bits int

	// upload-key
	APIKey          string
	NewAgentKeyPath string

	// start
	Host        string
	Port        int
	MinThreads  int
	StackSizeKB int
}

// Version is set by the linker (-ldflags "-X ...cliapp.Version=...") or
// defaults to "dev", and backs both --version and the SSH client
// identification string.
var Version = "dev"

// Parse parses argv (typically os.Args[1:]) and returns the selected
// command and its flags. On --version it prints the version and
// returns an empty Args with ok=false so the caller exits 0 without
// further action; on a parse error it returns ok=false with err set so
// the caller can print "error: ..." and exit 1.
func Parse(argv []string) (Args, bool, error) {
	app := kingpin.New("bastio-agent", "SSH-driven host account provisioning agent.")
	app.Version(Version)
	terminated := false
	app.Terminate(func(int) { terminated = true }) // never os.Exit from inside kingpin; caller controls exit codes

	var a Args
	app.Flag("config", "Path to the agent configuration file.").Short('c').StringVar(&a.ConfigPath)
	app.Flag("agent-key", "Path to the agent's RSA private key.").Short('k').StringVar(&a.AgentKey)
	app.Flag("debug", "Log to stdout instead of syslog.").BoolVar(&a.Debug)

	genKey := app.Command(string(CommandGenerateKey), "Generate a new RSA private key at the configured path.")
	genKey.Flag("bits", "RSA key size in bits.").Default("2048").IntVar(&a.Bits)

	upload := app.Command(string(CommandUploadKey), "Upload the agent's public key to the backend.")
	upload.Flag("api-key", "Enrollment API key.").Required().StringVar(&a.APIKey)
	upload.Flag("new-agent-key", "Path to an existing, valid private key to replace the one at -k/--agent-key.").Short('n').StringVar(&a.NewAgentKeyPath)

	start := app.Command(string(CommandStart), "Run the agent's connect/dispatch loop.")
	start.Flag("host", "Backend hostname.").Short('H').StringVar(&a.Host)
	start.Flag("port", "Backend port.").Short('p').IntVar(&a.Port)
	start.Flag("min-threads", "Minimum worker pool size.").Short('m').Default("4").IntVar(&a.MinThreads)
	start.Flag("stack-size", "Legacy per-thread stack size in KiB (unused).").Short('s').IntVar(&a.StackSizeKB)

	cmd, err := app.Parse(argv)
	if terminated {
		// --version or --help already printed its output.
		return Args{}, false, nil
	}
	if err != nil {
		return Args{}, false, fmt.Errorf("parsing arguments: %w", err)
	}

	a.Command = Command(cmd)
	return a, true, nil
}
