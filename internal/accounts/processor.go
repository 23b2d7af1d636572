// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package accounts implements the action processor: it consumes
// action messages from an ingress channel, mutates local OS user
// accounts and authorized_keys state, and produces feedback on an
// egress channel. A command's success is judged by its exit code, not
// by empty stderr, and authorized_keys rewrites use rename-over-temp
// with fsync to avoid corrupting the file on a crash mid-write.
package accounts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/Databracket/bastio-agent/internal/backend"
	"github.com/Databracket/bastio-agent/internal/protocol"
	"github.com/Databracket/bastio-agent/internal/taskpool"
)

// AccountError reports a failure applying a local OS mutation.
type AccountError struct {
	Op  string
	Err error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("accounts: %s: %v", e.Op, e.Err)
}

func (e *AccountError) Unwrap() error { return e.Err }

// Endpoint is the (ingress, egress) pair the processor reads from and
// replies on. It is an alias of backend.Endpoint so a processor's
// endpoint can be registered directly with a Connector.
type Endpoint = backend.Endpoint

// NewEndpoint creates an Endpoint with reasonably buffered channels.
func NewEndpoint() *Endpoint {
	return backend.NewEndpoint()
}

// Processor serializes all local account mutations through a single
// goroutine (submitted as one infinite task to the shared pool), so
// there is never parallel provisioning on the same host.
type Processor struct {
	endpoint *Endpoint
	homeDir  func(username string) string
	log      *slog.Logger

	runCommand func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
	exists     func(username string) bool
	bootstrap  func(username string) error

	task *taskpool.Task
}

// New builds a Processor. homeDir, if nil, defaults to
// "/home/{username}".
func New(log *slog.Logger, homeDir func(string) string) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if homeDir == nil {
		homeDir = func(u string) string { return filepath.Join("/home", u) }
	}
	p := &Processor{
		endpoint:   NewEndpoint(),
		homeDir:    homeDir,
		log:        log,
		runCommand: runCommand,
	}
	p.exists = p.defaultUserExists
	p.bootstrap = p.defaultEnsureSSHDir
	return p
}

// Endpoint returns the processor's registered endpoint, to be
// registered with the backend connector.
func (p *Processor) Endpoint() *Endpoint { return p.endpoint }

// Task builds the infinite taskpool.Task that runs the processor's
// dispatch loop and remembers it so Stop can cancel it later.
func (p *Processor) Task() *taskpool.Task {
	p.task = taskpool.NewTask(p.Run, taskpool.Infinite(), taskpool.WithFailure(func(f *taskpool.Failure) {
		p.log.Error("processor dispatch loop failure", "error", f.Error())
	}))
	return p.task
}

// Stop cancels the processor's dispatch loop.
func (p *Processor) Stop() {
	if p.task != nil {
		p.task.Stop()
	}
}

// Run drains the ingress channel until ctx is cancelled. It is meant
// to be submitted to a taskpool.Pool as an infinite task.
func (p *Processor) Run(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	case msg, ok := <-p.endpoint.Ingress:
		if !ok {
			return nil, nil
		}
		p.handle(ctx, msg)
		return nil, nil
	}
}

func (p *Processor) handle(ctx context.Context, msg protocol.Message) {
	action, ok := msg.(*protocol.ActionMessage)
	if !ok {
		// An unknown/non-action message reaching the processor yields
		// an ERROR, never a silent drop.
		p.reply(msg.MessageID(), protocol.StatusError, "processor received a non-action message")
		return
	}

	var status int
	var feedback string

	switch action.Action {
	case protocol.ActionAddUser:
		status, feedback = p.addUser(ctx, action)
	case protocol.ActionRemoveUser:
		status, feedback = p.removeUser(ctx, action)
	case protocol.ActionUpdateUser:
		status, feedback = p.updateUser(ctx, action)
	case protocol.ActionAddKey:
		status, feedback = p.addKey(action)
	case protocol.ActionRemoveKey:
		status, feedback = p.removeKey(action)
	default:
		status, feedback = protocol.StatusError, fmt.Sprintf("unknown action %q", action.Action)
	}

	p.reply(action.MID, status, feedback)
}

func (p *Processor) reply(mid string, status int, feedback string) {
	p.endpoint.Egress <- protocol.NewFeedback(mid, status, feedback)
}

func (p *Processor) defaultUserExists(username string) bool {
	if _, err := os.Stat(p.homeDir(username)); err != nil {
		return false
	}
	_, err := user.Lookup(username)
	return err == nil
}

func (p *Processor) userExists(username string) bool { return p.exists(username) }

func (p *Processor) addUser(ctx context.Context, a *protocol.ActionMessage) (int, string) {
	if p.userExists(a.Username) {
		if err := p.bootstrap(a.Username); err != nil {
			p.log.Warn("deferred ssh directory bootstrap failure", "username", a.Username, "error", err)
		}
		return protocol.StatusInfo, "already exists"
	}

	args := []string{"-mU"}
	if a.Sudo {
		args = append(args, "-G", "sudo")
	}
	args = append(args, a.Username)
	if _, stderr, exitCode, err := p.runCommand(ctx, "useradd", args...); err != nil || exitCode != 0 {
		return protocol.StatusError, commandFailureMessage("useradd", stderr, err)
	}

	if _, stderr, exitCode, err := p.runCommand(ctx, "passwd", "-d", a.Username); err != nil || exitCode != 0 {
		return protocol.StatusError, commandFailureMessage("passwd", stderr, err)
	}

	// Bootstrap failures here are deferred: they surface as their own
	// ERROR on the next key operation.
	if err := p.bootstrap(a.Username); err != nil {
		p.log.Warn("deferred ssh directory bootstrap failure", "username", a.Username, "error", err)
	}

	return protocol.StatusSuccess, "created"
}

func (p *Processor) defaultEnsureSSHDir(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return &AccountError{Op: "lookup user", Err: err}
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	sshDir := filepath.Join(p.homeDir(username), ".ssh")
	keysPath := filepath.Join(sshDir, "authorized_keys")

	var errs error
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("mkdir %s: %w", sshDir, err))
	} else if err := os.Chown(sshDir, uid, gid); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("chown %s: %w", sshDir, err))
	}

	if _, err := os.Stat(keysPath); os.IsNotExist(err) {
		if err := os.WriteFile(keysPath, nil, 0o600); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("create %s: %w", keysPath, err))
		} else if err := os.Chown(keysPath, uid, gid); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("chown %s: %w", keysPath, err))
		}
	}

	if errs != nil {
		return &AccountError{Op: "ensure ssh directory", Err: errs}
	}
	return nil
}

func (p *Processor) removeUser(ctx context.Context, a *protocol.ActionMessage) (int, string) {
	if !p.userExists(a.Username) {
		return protocol.StatusInfo, "does not exist"
	}
	if _, stderr, exitCode, err := p.runCommand(ctx, "userdel", "-r", a.Username); err != nil || exitCode != 0 {
		return protocol.StatusError, commandFailureMessage("userdel", stderr, err)
	}
	return protocol.StatusSuccess, "removed"
}

func (p *Processor) updateUser(ctx context.Context, a *protocol.ActionMessage) (int, string) {
	if !p.userExists(a.Username) {
		return protocol.StatusError, "does not exist"
	}
	var flag string
	if a.Sudo {
		flag = "-a"
	} else {
		flag = "-d"
	}
	if _, stderr, exitCode, err := p.runCommand(ctx, "gpasswd", flag, a.Username, "sudo"); err != nil || exitCode != 0 {
		return protocol.StatusError, commandFailureMessage("gpasswd", stderr, err)
	}
	return protocol.StatusSuccess, "updated"
}

func (p *Processor) addKey(a *protocol.ActionMessage) (int, string) {
	if !p.userExists(a.Username) {
		return protocol.StatusError, "does not exist"
	}
	keysPath := filepath.Join(p.homeDir(a.Username), ".ssh", "authorized_keys")

	existing, err := os.ReadFile(keysPath)
	if err != nil {
		return protocol.StatusError, err.Error()
	}
	if bytes.Contains(existing, []byte(a.PublicKey)) {
		return protocol.StatusInfo, "already exists"
	}

	f, err := os.OpenFile(keysPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return protocol.StatusError, err.Error()
	}
	defer f.Close()
	if _, err := f.WriteString(a.PublicKey + "\n"); err != nil {
		return protocol.StatusError, err.Error()
	}
	return protocol.StatusSuccess, "added"
}

func (p *Processor) removeKey(a *protocol.ActionMessage) (int, string) {
	if !p.userExists(a.Username) {
		return protocol.StatusError, "does not exist"
	}
	keysPath := filepath.Join(p.homeDir(a.Username), ".ssh", "authorized_keys")

	existing, err := os.ReadFile(keysPath)
	if err != nil {
		return protocol.StatusError, err.Error()
	}

	lines := bytes.Split(existing, []byte("\n"))
	kept := lines[:0]
	found := false
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, []byte(a.PublicKey)) {
			found = true
			continue
		}
		kept = append(kept, line)
	}
	if !found {
		return protocol.StatusInfo, "does not exist"
	}

	if err := rewriteFileAtomically(keysPath, bytes.Join(kept, []byte("\n")), 0o600); err != nil {
		return protocol.StatusError, err.Error()
	}
	return protocol.StatusSuccess, "removed"
}

// rewriteFileAtomically mitigates a concurrent-writer race on
// authorized_keys by writing to a sibling temp file, fsyncing it, then
// renaming over the target and fsyncing the containing directory.
func rewriteFileAtomically(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".authorized_keys.*")
	if err != nil {
		return &AccountError{Op: "rewrite authorized_keys", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if len(data) > 0 {
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return &AccountError{Op: "rewrite authorized_keys", Err: err}
		}
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return &AccountError{Op: "rewrite authorized_keys", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &AccountError{Op: "rewrite authorized_keys", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &AccountError{Op: "rewrite authorized_keys", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &AccountError{Op: "rewrite authorized_keys", Err: err}
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}

func commandFailureMessage(cmd string, stderr []byte, err error) string {
	if len(stderr) > 0 {
		return fmt.Sprintf("%s: %s", cmd, string(bytes.TrimSpace(stderr)))
	}
	if err != nil {
		return fmt.Sprintf("%s: %v", cmd, err)
	}
	return fmt.Sprintf("%s: nonzero exit", cmd)
}

// runCommand runs name with args and reports its exit code separately
// from stderr content: a command's failure is judged by its exit code,
// not by whether stderr is non-empty.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, runErr
}
