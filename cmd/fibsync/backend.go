package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/portmap"
	"github.com/newtron-network/fibsync/pkg/settings"
	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

const defaultRedisDB = pd.DefaultRedisDB

// tableStore is a connected Redis backend, reached directly or through an
// SSH tunnel when ssh_host is set.
type tableStore struct {
	*pd.RedisProgrammer
	tunnel *pd.SSHTunnel
}

func (s *tableStore) Close() error {
	err := s.RedisProgrammer.Close()
	if s.tunnel != nil {
		s.tunnel.Close()
	}
	return err
}

func openTableStore(ctx context.Context, s *settings.Settings) (*tableStore, error) {
	store := &tableStore{}
	addr := redisAddr

	if s.SSHHost != "" {
		pass, err := sshPassword(s)
		if err != nil {
			return nil, err
		}
		tunnel, err := pd.NewSSHTunnel(pd.TunnelConfig{
			Host:       s.SSHHost,
			Port:       s.GetSSHPort(),
			User:       s.SSHUser,
			Password:   pass,
			RemoteAddr: redisAddr,
			KnownHosts: s.SSHKnownHosts,
		})
		if err != nil {
			return nil, fmt.Errorf("tunnel to %s: %w", s.SSHHost, err)
		}
		store.tunnel = tunnel
		addr = tunnel.LocalAddr()
		util.WithField("host", s.SSHHost).Debugf("Table store %s tunneled via %s", redisAddr, addr)
	}

	store.RedisProgrammer = pd.NewRedisProgrammer(addr, redisDB)
	if err := store.Connect(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// sshPassword returns the configured SSH password, prompting for it when
// none is stored and stdin is a terminal.
func sshPassword(s *settings.Settings) (string, error) {
	if s.SSHPassword != "" {
		return s.SSHPassword, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("ssh_password not set and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s@%s password: ", s.SSHUser, s.SSHHost)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

// deviceConfig builds the switchapi configuration for the local device from
// settings: name, default router MAC, port bindings and pool capacities.
func deviceConfig(s *settings.Settings) (switchapi.Config, error) {
	cfg := switchapi.Config{Name: s.DeviceName}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("dev%d", deviceID)
	}

	mac, err := s.RouterMAC()
	if err != nil {
		return cfg, err
	}
	cfg.DefaultRouterMAC = mac

	if cfg.Capacity, err = s.Capacity(); err != nil {
		return cfg, err
	}

	ports, err := portmap.Load(s.GetPortConfig())
	if err != nil {
		return cfg, fmt.Errorf("port config: %w", err)
	}
	cfg.Ports = ports
	return cfg, nil
}
