// Package omapi changes host mappings of a running ISC DHCP server through
// the omshell management shell.
package omapi

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/jbweber/homelab/ipamd/internal/log"
)

// ErrOmshell is returned when omshell output does not confirm an operation.
var ErrOmshell = errors.New("omshell command failed")

// Runner feeds script to omshell and returns its combined output.
type Runner func(ctx context.Context, binary string, script []byte) ([]byte, error)

// ExecRunner runs omshell as a child process.
func ExecRunner(ctx context.Context, binary string, script []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary)
	cmd.Stdin = bytes.NewReader(script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrapf(err, "failed to run %s", binary)
	}
	return out, nil
}

// Client talks to one DHCP server.
type Client struct {
	server string
	key    string
	isV6   bool
	binary string
	run    Runner
}

// Option configures a Client.
type Option func(*Client)

// WithBinary sets the omshell binary.
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithRunner replaces the process runner.
func WithRunner(run Runner) Option {
	return func(c *Client) { c.run = run }
}

// NewClient creates a client for the v4 or v6 server at server,
// authenticating with key.
func NewClient(server, key string, isV6 bool, opts ...Option) *Client {
	c := &Client{
		server: server,
		key:    key,
		isV6:   isV6,
		binary: "omshell",
		run:    ExecRunner,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Port is the OMAPI port of the server.
func (c *Client) Port() int {
	if c.isV6 {
		return 7912
	}
	return 7911
}

// hostName is the name host objects are stored under.
func hostName(mac string) string {
	return strings.ReplaceAll(mac, ":", "-")
}

func (c *Client) script(withKey bool, lines ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "server %s\n", c.server)
	fmt.Fprintf(&b, "port %d\n", c.Port())
	if withKey {
		fmt.Fprintf(&b, "key omapi_key %s\n", c.key)
	}
	b.WriteString("connect\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (c *Client) exec(ctx context.Context, op string, script []byte) (string, error) {
	out, err := c.run(ctx, c.binary, script)
	if err != nil {
		return string(out), errors.Wrapf(err, "omshell %s", op)
	}
	return string(out), nil
}

func failed(op, target, out string) error {
	return errors.Wrapf(ErrOmshell, "%s %s: %s", op, target, strings.TrimSpace(out))
}

// TryConnection reports whether the server accepts OMAPI connections.
func (c *Client) TryConnection(ctx context.Context) bool {
	out, err := c.exec(ctx, "connect", c.script(false))
	return err == nil && strings.Contains(out, "obj: <null>")
}

// AddHost creates a host object mapping mac to ip. A mapping that already
// exists counts as created.
func (c *Client) AddHost(ctx context.Context, mac string, ip netip.Addr) error {
	out, err := c.exec(ctx, "create", c.script(true,
		"new host",
		fmt.Sprintf("set ip-address = %s", ip),
		fmt.Sprintf("set hardware-address = %s", mac),
		"set hardware-type = 1",
		fmt.Sprintf(`set name = "%s"`, hostName(mac)),
		"create",
	))
	if err != nil {
		return err
	}
	switch {
	case strings.Contains(out, "hardware-type"):
	case strings.Contains(out, "can't open object: I/O error"), strings.Contains(out, "already exists"):
		log.G(ctx).WithField("mac", mac).Debug("host map already exists")
	default:
		return failed("create host map for", mac, out)
	}
	return nil
}

// UpdateHost points the existing host object of mac at ip.
func (c *Client) UpdateHost(ctx context.Context, mac string, ip netip.Addr) error {
	out, err := c.exec(ctx, "update", c.script(true,
		"new host",
		fmt.Sprintf(`set name = "%s"`, hostName(mac)),
		"open",
		fmt.Sprintf("set ip-address = %s", ip),
		fmt.Sprintf("set hardware-address = %s", mac),
		"set hardware-type = 1",
		"update",
	))
	if err != nil {
		return err
	}
	if !strings.Contains(out, "hardware-type") {
		return failed("update host map for", mac, out)
	}
	return nil
}

// RemoveHost deletes the host object of mac. A missing object counts as
// removed.
func (c *Client) RemoveHost(ctx context.Context, mac string) error {
	out, err := c.exec(ctx, "remove", c.script(true,
		"new host",
		fmt.Sprintf(`set name = "%s"`, hostName(mac)),
		"open",
		"remove",
	))
	if err != nil {
		return err
	}
	if lastLine(out) == "obj: <null>" || strings.Contains(out, "not found") {
		return nil
	}
	return failed("remove host map for", mac, out)
}

// NullifyLease ends the lease of ip immediately. A missing lease counts as
// ended.
func (c *Client) NullifyLease(ctx context.Context, ip netip.Addr) error {
	out, err := c.exec(ctx, "nullify lease", c.script(true,
		"new lease",
		fmt.Sprintf("set ip-address = %s", ip),
		"open",
		"set ends = 00:00:00:00",
		"update",
	))
	if err != nil {
		return err
	}
	if strings.Contains(out, "ends = 00:00:00:00") || strings.Contains(out, "not found") {
		return nil
	}
	return failed("nullify lease of", ip.String(), out)
}

// lastLine returns the last line of out that is not empty once omshell's
// prompt characters are stripped.
func lastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(lines[i]), ">"))
		if l != "" {
			return l
		}
	}
	return ""
}
