package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and releases its resources.
	Wait() error
}

// Launcher starts the worker for a run.
type Launcher interface {
	Launch(runID, runDir string) (Process, error)
}

// CommandFunc builds the worker command for a run.
type CommandFunc func(runID, runDir string) *exec.Cmd

// ExecLauncher starts workers as child processes in their own process
// group, so signals aimed at the API process do not reach them. Worker
// output goes to worker.log in the run directory.
type ExecLauncher struct {
	command CommandFunc
}

func NewExecLauncher(fn CommandFunc) *ExecLauncher {
	return &ExecLauncher{command: fn}
}

// WorkerCommand re-executes binary as "worker" for the run directory.
func WorkerCommand(binary, configPath string) CommandFunc {
	return func(_, runDir string) *exec.Cmd {
		args := []string{"worker", "--run-dir", runDir}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return exec.Command(binary, args...)
	}
}

func (l *ExecLauncher) Launch(runID, runDir string) (Process, error) {
	cmd := l.command(runID, runDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.OpenFile(filepath.Join(runDir, WorkerLogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &execProcess{cmd: cmd, log: logFile}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	log *os.File
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.log.Close()
	return err
}
