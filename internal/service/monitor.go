// Package service keeps systemd services in the state this process expects
// them to be in.
package service

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ipamd/internal/log"
)

// ActiveState is the coarse state of a service.
type ActiveState string

const (
	StateUnknown ActiveState = "unknown"
	StateOn      ActiveState = "on"
	StateOff     ActiveState = "off"
	StateDead    ActiveState = "dead"
)

var systemdToState = map[string]ActiveState{
	"active":   StateOn,
	"inactive": StateOff,
	"failed":   StateDead,
}

// processStateFor is the systemd sub-state expected for an active state.
var processStateFor = map[ActiveState]string{
	StateOn:  "running",
	StateOff: "dead",
}

var (
	// ErrServiceUnknown is returned for services that are not registered
	// or that systemd does not know.
	ErrServiceUnknown = errors.New("service unknown")
	// ErrServiceAction is returned when a start, stop or restart failed
	// or did not leave the service in the expected state.
	ErrServiceAction = errors.New("service action failed")
	// ErrServiceParsing is returned when systemctl status output cannot
	// be understood.
	ErrServiceParsing = errors.New("unable to parse service status")
	// ErrServiceNotOn is returned when restarting a service that is
	// expected to be off.
	ErrServiceNotOn = errors.New("service not expected to be on")
)

// State is the observed state of a service.
type State struct {
	Active  ActiveState `json:"active_state"`
	Process string      `json:"process_state"`
}

// Runner runs a command with env and returns its combined output and exit
// code. err is only set when the command could not be run at all.
type Runner func(ctx context.Context, env []string, name string, args ...string) (output []byte, exitCode int, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), nil
	}
	if err != nil {
		return out, -1, err
	}
	return out, 0, nil
}

type monitored struct {
	unit     string
	expected ActiveState
	last     State
	// action serialises systemctl invocations for the unit.
	action sync.Mutex
}

// Monitor tracks registered services and drives them towards their
// expected state through systemctl.
type Monitor struct {
	systemctl string
	run       Runner

	mu       sync.Mutex
	services map[string]*monitored
}

// NewMonitor creates a monitor invoking systemctl through run. A nil run
// means ExecRunner.
func NewMonitor(systemctl string, run Runner) *Monitor {
	if systemctl == "" {
		systemctl = "systemctl"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Monitor{
		systemctl: systemctl,
		run:       run,
		services:  make(map[string]*monitored),
	}
}

// Register adds a service named name backed by the systemd unit. It starts
// out expected off.
func (m *Monitor) Register(name, unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = &monitored{
		unit:     unit,
		expected: StateOff,
		last:     State{Active: StateUnknown},
	}
}

func (m *Monitor) lookup(name string) (*monitored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return nil, errors.Wrapf(ErrServiceUnknown, "service '%s' is not registered", name)
	}
	return s, nil
}

// On marks the service as expected to run.
func (m *Monitor) On(name string) error {
	return m.setExpected(name, StateOn)
}

// Off marks the service as expected to be stopped.
func (m *Monitor) Off(name string) error {
	return m.setExpected(name, StateOff)
}

func (m *Monitor) setExpected(name string, state ActiveState) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.expected = state
	m.mu.Unlock()
	return nil
}

// IsOn reports whether the service is expected to run.
func (m *Monitor) IsOn(name string) (bool, error) {
	s, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.expected == StateOn, nil
}

// GetServiceState returns the state of the service. With now set systemd is
// queried, otherwise the last observed state is returned.
func (m *Monitor) GetServiceState(ctx context.Context, name string, now bool) (State, error) {
	s, err := m.lookup(name)
	if err != nil {
		return State{}, err
	}
	if !now {
		m.mu.Lock()
		defer m.mu.Unlock()
		return s.last, nil
	}

	out, _, err := m.exec(ctx, s, "status")
	if err != nil {
		return State{}, err
	}
	// systemctl status exits non-zero for anything but an active unit, so
	// only the output is looked at.
	state, err := parseStatus(s.unit, out)
	if err != nil {
		return State{}, err
	}
	m.mu.Lock()
	s.last = state
	m.mu.Unlock()
	return state, nil
}

// parseStatus reads the Loaded and Active lines of systemctl status output:
//
//	Loaded: loaded (/lib/systemd/system/dhcpd.service; enabled)
//	Active: active (running) since Fri 2015-05-15 15:08:26 UTC; 7s ago
func parseStatus(unit string, out []byte) (State, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Loaded"):
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[1] != "loaded" {
				return State{}, errors.Wrapf(ErrServiceUnknown, "'%s' is unknown to systemd", unit)
			}
		case strings.HasPrefix(line, "Active"):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 2 {
				break
			}
			active, ok := systemdToState[parts[1]]
			if !ok {
				return State{}, errors.Wrapf(ErrServiceParsing, "active state of '%s' reported as '%s'", unit, parts[1])
			}
			process := ""
			if len(parts) == 3 {
				process = strings.TrimPrefix(parts[2], "(")
				if i := strings.Index(process, ")"); i >= 0 {
					process = process[:i]
				}
			}
			return State{Active: active, Process: process}, nil
		}
	}
	return State{}, errors.Wrapf(ErrServiceParsing, "unable to parse the output from systemd for '%s'", unit)
}

func (m *Monitor) exec(ctx context.Context, s *monitored, action string) ([]byte, int, error) {
	s.action.Lock()
	defer s.action.Unlock()

	env := append(os.Environ(), "LANG=C.UTF-8", "LC_ALL=C.UTF-8")
	out, code, err := m.run(ctx, env, m.systemctl, action, s.unit)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to run %s %s %s", m.systemctl, action, s.unit)
	}
	return bytes.TrimSpace(out), code, nil
}

func (m *Monitor) perform(ctx context.Context, s *monitored, action string) error {
	out, code, err := m.exec(ctx, s, action)
	if err != nil {
		return err
	}
	if code != 0 {
		err := errors.Wrapf(ErrServiceAction, "service '%s' failed to %s: %s", s.unit, action, out)
		log.G(ctx).WithError(err).Error("service action failed")
		return err
	}
	return nil
}

// EnsureService starts or stops the service when its observed state differs
// from the expected one, and returns the resulting state.
func (m *Monitor) EnsureService(ctx context.Context, name string) (State, error) {
	ctx = log.WithModule(ctx, "service")
	s, err := m.lookup(name)
	if err != nil {
		return State{}, err
	}
	m.mu.Lock()
	expected := s.expected
	m.mu.Unlock()
	logger := log.G(ctx).WithFields(logrus.Fields{"service": s.unit, "expected": expected})

	state, err := m.GetServiceState(ctx, name, true)
	if err != nil {
		return State{}, err
	}
	if state.Active == expected {
		if want := processStateFor[expected]; state.Process != want {
			logger.WithField("process_state", state.Process).Warnf("service is %s but not %s", state.Active, want)
		} else {
			logger.Debug("service is in its expected state")
		}
		return state, nil
	}

	action := "start"
	if expected == StateOff {
		action = "stop"
	}
	logger.Infof("service is %s, running %s", state.Active, action)
	if err := m.perform(ctx, s, action); err != nil {
		return State{}, err
	}

	state, err = m.GetServiceState(ctx, name, true)
	if err != nil {
		return State{}, err
	}
	if state.Active != expected {
		err := errors.Wrapf(ErrServiceAction, "service '%s' failed to %s, its current state is '%s' and '%s'",
			s.unit, action, state.Active, state.Process)
		logger.WithError(err).Error("service did not reach its expected state")
		return State{}, err
	}
	logger.WithField("process_state", state.Process).Infof("service %s", action)
	return state, nil
}

// RestartService restarts a service that is expected to run.
func (m *Monitor) RestartService(ctx context.Context, name string) (State, error) {
	ctx = log.WithModule(ctx, "service")
	s, err := m.lookup(name)
	if err != nil {
		return State{}, err
	}
	m.mu.Lock()
	expected := s.expected
	m.mu.Unlock()
	if expected != StateOn {
		return State{}, errors.Wrapf(ErrServiceNotOn, "service '%s' is not expected to be on, unable to restart", s.unit)
	}

	if err := m.perform(ctx, s, "restart"); err != nil {
		return State{}, err
	}
	state, err := m.GetServiceState(ctx, name, true)
	if err != nil {
		return State{}, err
	}
	logger := log.G(ctx).WithFields(logrus.Fields{"service": s.unit, "process_state": state.Process})
	if state.Active != StateOn {
		err := errors.Wrapf(ErrServiceAction, "service '%s' failed to restart, its current state is '%s' and '%s'",
			s.unit, state.Active, state.Process)
		logger.WithError(err).Error("service did not come back after restart")
		return State{}, err
	}
	logger.Info("service restarted")
	return state, nil
}
