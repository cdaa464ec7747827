package tools

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
)

// CommandRunner abstracts host command execution for the media engine and
// diagnostics.
type CommandRunner interface {
	// Run executes name to completion and returns stdout, stderr and the
	// exit code. A missing binary reports exit code 127.
	Run(name string, args ...string) ([]byte, []byte, int32, error)
	// Start launches name without waiting for it.
	Start(name string, args ...string) (Process, error)
}

// Process is a running child started by a CommandRunner.
type Process interface {
	Pid() int
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// ExecRunner executes commands on the local host. Stdout and Stderr, when
// set, receive the output of processes launched with Start.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.Command(name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), ExitCode(err), err
}

func (r ExecRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

// ExitCode maps a command error to a shell-style exit code.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p execProcess) Wait() error                { return p.cmd.Wait() }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }
