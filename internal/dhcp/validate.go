package dhcp

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/service"
)

// ValidationError is one problem reported by the daemon's config check.
type ValidationError struct {
	Error    string `json:"error"`
	LineNum  int    `json:"line_num,omitempty"`
	Line     string `json:"line,omitempty"`
	Position string `json:"position,omitempty"`
}

var dhcpdError = regexp.MustCompile(`(.*) line (\d+): (.*)\.$`)

// Validator checks rendered configuration with `dhcpd -t` without
// installing it.
type Validator struct {
	Renderer ConfigRenderer
	Binary   string
	Run      service.Runner
	// TempDir is where the candidate config is written, os.TempDir when empty.
	TempDir string
}

// Validate renders s for daemon and runs the daemon's config check on it.
// It returns nil when the configuration is valid.
func (v *Validator) Validate(ctx context.Context, daemon domain.DaemonID, s *State) ([]ValidationError, error) {
	config, _, err := v.Renderer.Render(s, daemon)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(v.TempDir, "ipamd-dhcpd-*.conf")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary config")
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(config); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to write temporary config")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to write temporary config")
	}

	args := []string{"-t", "-cf", f.Name()}
	if daemon.IsV6() {
		args = append([]string{"-6"}, args...)
	}
	run := v.Run
	if run == nil {
		run = service.ExecRunner
	}
	out, code, err := run(ctx, os.Environ(), v.Binary, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run %s", v.Binary)
	}
	if code == 0 {
		return nil, nil
	}

	problems := parseValidationOutput(string(out))
	log.G(ctx).WithField("daemon", daemon).Debugf("dhcpd reported %d configuration problems", len(problems))
	return problems, nil
}

// parseValidationOutput reads dhcpd diagnostics of the form
//
//	/tmp/dhcpd.conf line 12: semicolon expected.
//	    option routers 10.0.0.1
//	                         ^
//
// Output with no recognisable diagnostic is returned as a single error.
func parseValidationOutput(out string) []ValidationError {
	lines := strings.Split(out, "\n")
	var problems []ValidationError
	for i := 0; i < len(lines); i++ {
		m := dhcpdError.FindStringSubmatch(strings.TrimRight(lines[i], "\r"))
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[2])
		p := ValidationError{Error: m[3], LineNum: num}
		if i+1 < len(lines) {
			p.Line = lines[i+1]
		}
		if i+2 < len(lines) {
			p.Position = lines[i+2]
		}
		problems = append(problems, p)
		i += 2
	}
	if len(problems) == 0 {
		problems = append(problems, ValidationError{Error: strings.TrimSpace(out)})
	}
	return problems
}
