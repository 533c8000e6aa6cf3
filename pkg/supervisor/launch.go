package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// ErrNotInstalled reports that no executable suitable for the current
// platform exists at the configured location.
var ErrNotInstalled = errors.New("worker executable not installed")

// LaunchSpec is everything needed to spawn a worker.
type LaunchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Executable names under the worker location.
const (
	primaryDir  = "flux_api"
	primaryName = "flux_api"
	monitorName = "monitorexe"
)

// DefaultServerPort is the fixed port the primary worker listens on in server
// mode. Local mode lets the worker pick one and report it in its ready line.
const DefaultServerPort = 8000

// PrimaryOptions selects the primary worker's launch spec.
type PrimaryOptions struct {
	Location string // directory holding the worker bundle; defaults next to the host binary
	GOOS     string // defaults to runtime.GOOS
	Server   bool   // listen on all interfaces at DefaultServerPort
	Debug    bool
	TracePID int // host pid the worker watches so it exits with us; defaults to os.Getpid()
}

// PrimaryLaunch resolves the machine-control worker's launch spec.
func PrimaryLaunch(o PrimaryOptions) (LaunchSpec, error) {
	goos := o.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	loc, err := location(o.Location)
	if err != nil {
		return LaunchSpec{}, err
	}

	path := filepath.Join(loc, primaryDir, exeName(primaryName, goos))
	if !isFile(path) {
		return LaunchSpec{}, fmt.Errorf("primary worker %s: %w", path, ErrNotInstalled)
	}

	pid := o.TracePID
	if pid == 0 {
		pid = os.Getpid()
	}

	args := []string{"--trace-pid", strconv.Itoa(pid)}
	if o.Server {
		args = append(args, "--listen", "0.0.0.0", "--port", strconv.Itoa(DefaultServerPort))
	} else {
		args = append(args, "--listen", "127.0.0.1", "--port", "0")
	}
	if goos == "windows" {
		args = append(args, "--no-color")
	}
	if o.Debug {
		args = append(args, "--debug")
	}

	return LaunchSpec{Path: path, Args: args, Dir: filepath.Dir(path)}, nil
}

// MonitorOptions selects the secondary daemon's launch spec.
type MonitorOptions struct {
	Location string
	GOOS     string
}

// MonitorLaunch resolves the rendering/monitor daemon's launch spec. The
// daemon ships only for Windows and macOS; elsewhere, or when the file is
// missing, it returns ErrNotInstalled.
func MonitorLaunch(o MonitorOptions) (LaunchSpec, error) {
	goos := o.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "windows" && goos != "darwin" {
		return LaunchSpec{}, fmt.Errorf("monitor daemon on %s: %w", goos, ErrNotInstalled)
	}
	loc, err := location(o.Location)
	if err != nil {
		return LaunchSpec{}, err
	}

	path := filepath.Join(loc, exeName(monitorName, goos))
	if !isFile(path) {
		return LaunchSpec{}, fmt.Errorf("monitor daemon %s: %w", path, ErrNotInstalled)
	}
	return LaunchSpec{Path: path, Dir: loc}, nil
}

// MonitorPath returns where the monitor daemon is expected, whether or not it
// exists. Empty when the platform has no daemon.
func MonitorPath(o MonitorOptions) string {
	goos := o.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "windows" && goos != "darwin" {
		return ""
	}
	loc, err := location(o.Location)
	if err != nil {
		return ""
	}
	return filepath.Join(loc, exeName(monitorName, goos))
}

func location(loc string) (string, error) {
	if loc != "" {
		return loc, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate host executable: %w", err)
	}
	return filepath.Join(filepath.Dir(self), "backend"), nil
}

func exeName(base, goos string) string {
	if goos == "windows" {
		return base + ".exe"
	}
	return base
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
