package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Handle is an opaque grip on a running agent process.
type Handle interface {
	// Alive reports whether the process is still running.
	Alive() bool
	// Terminate stops the process. Idempotent.
	Terminate() error
}

// LaunchInfo is everything a launcher needs to start one agent process.
type LaunchInfo struct {
	Spec     TypeSpec
	Identity string
	Channel  string
	BusURL   string
}

// Launcher starts external agent processes. Injected so tests (and embedded
// runs) can substitute fakes.
type Launcher interface {
	// Launch starts the process and returns its handle. onExit, if non-nil,
	// fires once when the process ends on its own.
	Launch(info LaunchInfo, onExit func(err error)) (Handle, error)
}

// ExecLauncher launches agent processes with os/exec. Placeholders
// {identity}, {channel}, and {bus_url} in the spec's command and env are
// substituted; the same values are also exported as SWARMBUS_* variables.
type ExecLauncher struct{}

func (ExecLauncher) Launch(info LaunchInfo, onExit func(err error)) (Handle, error) {
	if len(info.Spec.Command) == 0 {
		return nil, fmt.Errorf("type %s has no launch command", info.Spec.Type)
	}

	args := make([]string, len(info.Spec.Command))
	for i, arg := range info.Spec.Command {
		args[i] = expand(arg, info)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"SWARMBUS_IDENTITY="+info.Identity,
		"SWARMBUS_CHANNEL="+info.Channel,
		"SWARMBUS_URL="+info.BusURL,
	)
	for _, env := range info.Spec.Env {
		cmd.Env = append(cmd.Env, expand(env, info))
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", info.Identity, err)
	}

	h := &procHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(h.done)
		if onExit != nil {
			onExit(err)
		}
	}()
	return h, nil
}

func expand(s string, info LaunchInfo) string {
	s = strings.ReplaceAll(s, "{identity}", info.Identity)
	s = strings.ReplaceAll(s, "{channel}", info.Channel)
	s = strings.ReplaceAll(s, "{bus_url}", info.BusURL)
	return s
}

type procHandle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	killOnce sync.Once
}

func (h *procHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *procHandle) Terminate() error {
	var err error
	h.killOnce.Do(func() {
		if h.Alive() {
			err = h.cmd.Process.Kill()
		}
	})
	return err
}
