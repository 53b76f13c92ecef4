package pd

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/newtron-network/fibsync/pkg/util"
)

// TunnelConfig describes an SSH hop to a table store that only listens on
// the target's loopback.
type TunnelConfig struct {
	Host     string
	Port     int // defaults to 22
	User     string
	Password string
	// RemoteAddr is the store address as seen from Host.
	RemoteAddr string
	// KnownHosts is an OpenSSH known_hosts file. When empty the host key is
	// not verified.
	KnownHosts string
	// Timeout bounds the SSH handshake. Defaults to 30s.
	Timeout time.Duration
}

// SSHTunnel forwards connections on a local loopback port to the remote
// store through one SSH connection.
type SSHTunnel struct {
	cfg      TunnelConfig
	client   *ssh.Client
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSSHTunnel dials the SSH host and starts forwarding from a random local
// port.
func NewSSHTunnel(cfg TunnelConfig) (*SSHTunnel, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKey = cb
	} else {
		util.WithField("host", addr).Warn("SSH host key verification disabled")
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s@%s: %w", cfg.User, addr, err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &SSHTunnel{
		cfg:      cfg,
		client:   client,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	t.wg.Add(1)
	go t.serve()
	return t, nil
}

// LocalAddr returns the loopback address that reaches the remote store.
func (t *SSHTunnel) LocalAddr() string {
	return t.listener.Addr().String()
}

// Close stops accepting, drops every forwarded connection and closes the SSH
// connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	t.listener.Close()
	err := t.client.Close()
	t.wg.Wait()
	return err
}

func (t *SSHTunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *SSHTunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	c.Close()
}

func (t *SSHTunnel) serve() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if !t.track(local) {
			local.Close()
			return
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *SSHTunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer t.untrack(local)

	remote, err := t.client.Dial("tcp", t.cfg.RemoteAddr)
	if err != nil {
		util.WithField("remote", t.cfg.RemoteAddr).Debugf("tunnel dial: %v", err)
		return
	}
	if !t.track(remote) {
		remote.Close()
		return
	}
	defer t.untrack(remote)

	var copies sync.WaitGroup
	copies.Add(2)
	pipe := func(dst, src net.Conn) {
		defer copies.Done()
		io.Copy(dst, src)
		// Unblock the opposite direction.
		dst.Close()
	}
	go pipe(remote, local)
	go pipe(local, remote)
	copies.Wait()
}
