package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// outputGrace bounds how long Wait keeps the output pipes open after the
// worker exits. Descendants that inherited them must not delay exit
// detection.
const outputGrace = 500 * time.Millisecond

// Spawner starts worker processes. Production code uses ExecSpawner; tests
// substitute fakes that replay stdout, stderr and exit events.
type Spawner interface {
	Spawn(spec LaunchSpec) (Process, error)
}

// Process is a running worker. Wait may be called while Stdout and Stderr are
// still being read; it returns once the process has exited, after which both
// readers reach EOF promptly.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Terminate() error
}

// ExecSpawner spawns workers with os/exec. Each worker gets its own process
// group so Terminate reaches its descendants too.
type ExecSpawner struct{}

// Spawn starts spec and returns the running process.
func (ExecSpawner) Spawn(spec LaunchSpec) (Process, error) {
	//nolint:gosec // worker path comes from the host's own configuration
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = sysProcAttr()

	// exec copies output through its own goroutines when Stdout is not a
	// file, which lets WaitDelay cut off pipes held open by descendants.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = outputGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	return &execProcess{cmd: cmd, stdout: outR, stderr: errR, outW: outW, errW: errW}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	outW   *io.PipeWriter
	errW   *io.PipeWriter
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Terminate() error  { return terminate(p.cmd.Process) }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.outW.Close()
	_ = p.errW.Close()
	if errors.Is(err, exec.ErrWaitDelay) {
		// Clean exit; only the output outlived the process.
		return nil
	}
	return err
}
