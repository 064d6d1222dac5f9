package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures authentication and host verification.
type SSHConfig struct {
	// KeyPaths lists private keys to offer. Missing files are skipped.
	KeyPaths []string
	// UseAgent adds the agent at SSH_AUTH_SOCK when it is reachable.
	UseAgent bool
	// KnownHosts is the known_hosts file used to verify host keys.
	KnownHosts string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool
	// Signers are extra in-memory keys, mainly for tests.
	Signers []ssh.Signer
}

// SSHDialer opens SSH connections to worker hosts.
type SSHDialer struct {
	auth     []ssh.AuthMethod
	hostKeys ssh.HostKeyCallback
	agent    net.Conn
}

// NewSSHDialer loads keys and host verification material up front so a bad
// configuration fails before any work is dispatched.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	d := &SSHDialer{}

	signers := append([]ssh.Signer(nil), cfg.Signers...)
	for _, path := range cfg.KeyPaths {
		signer, err := loadKey(path)
		var locked *ssh.PassphraseMissingError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &locked) {
			// absent or encrypted keys are left to the agent
			continue
		}
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		d.auth = append(d.auth, ssh.PublicKeys(signers...))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); cfg.UseAgent && sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			d.agent = conn
			d.auth = append(d.auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(d.auth) == 0 {
		return nil, errors.New("ssh: no usable private keys or agent")
	}

	if cfg.InsecureIgnoreHostKey {
		d.hostKeys = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit opt-in
	} else {
		path, err := expandHome(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
		}
		d.hostKeys = cb
	}
	return d, nil
}

// Close releases the agent connection, if any.
func (d *SSHDialer) Close() error {
	if d.agent == nil {
		return nil
	}
	if err := d.agent.Close(); err != nil {
		return fmt.Errorf("close ssh agent: %w", err)
	}
	return nil
}

// Dial connects and authenticates to host. The TCP dial and handshake are
// bounded by ctx.
func (d *SSHDialer) Dial(ctx context.Context, host Host) (Conn, error) {
	addr := host.Address()
	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	clientCfg := &ssh.ClientConfig{
		User:            host.User,
		Auth:            d.auth,
		HostKeyCallback: d.hostKeys,
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = raw.SetDeadline(time.Time{})
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

// Run executes command in a fresh session. When ctx ends first the remote
// process is signalled and the session torn down.
func (c *sshConn) Run(ctx context.Context, command string) (Result, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close() //nolint:errcheck // double close returns io.EOF

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			if res.ExitStatus == 0 {
				// killed by a signal without a status
				res.ExitStatus = -1
			}
			return res, nil
		}
		return res, fmt.Errorf("run session: %w", err)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return Result{}, ctx.Err()
	}
}

func (c *sshConn) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh client: %w", err)
	}
	return nil
}

func loadKey(path string) (ssh.Signer, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(path) //nolint:gosec // operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
