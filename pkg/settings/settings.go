// Package settings manages persistent settings for the fibsync daemon and CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

// Settings holds persistent preferences. Zero values fall back to the
// defaults returned by the getters.
type Settings struct {
	// DeviceID is the pipeline instance programmed by `fibsync run`.
	DeviceID uint16 `json:"device_id,omitempty"`

	// DeviceName is used in logs and the audit trail.
	DeviceName string `json:"device_name,omitempty"`

	// RedisAddr is the table backend (host:port).
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisDB   int    `json:"redis_db,omitempty"`

	// SSH tunnel to the backend host. Unset SSHHost means direct access.
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHUser     string `json:"ssh_user,omitempty"`
	SSHPassword string `json:"ssh_password,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	// SSHKnownHosts enables host key verification against an OpenSSH
	// known_hosts file.
	SSHKnownHosts string `json:"ssh_known_hosts,omitempty"`

	// PortConfig is the portmap YAML file.
	PortConfig string `json:"port_config,omitempty"`

	// DefaultRouterMAC is terminated on RIFs created without a link address.
	DefaultRouterMAC string `json:"default_router_mac,omitempty"`

	// Capacities overrides handle pool sizes, keyed by kind name
	// (rmac, rif, neighbor, nexthop, group, route).
	Capacities map[string]uint32 `json:"capacities,omitempty"`

	AuditLog    string `json:"audit_log,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fibsync_settings.json"
	}
	return filepath.Join(home, ".fibsync", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path. A missing file yields empty
// settings.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path. The file may hold an SSH
// password, so it is written owner-only.
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// GetDeviceName returns the device log name (with fallback)
func (s *Settings) GetDeviceName() string {
	if s.DeviceName != "" {
		return s.DeviceName
	}
	return fmt.Sprintf("dev%d", s.DeviceID)
}

// GetRedisAddr returns the backend address (with fallback)
func (s *Settings) GetRedisAddr() string {
	if s.RedisAddr != "" {
		return s.RedisAddr
	}
	return "127.0.0.1:6379"
}

// GetSSHPort returns the SSH port (with fallback)
func (s *Settings) GetSSHPort() int {
	if s.SSHPort != 0 {
		return s.SSHPort
	}
	return 22
}

// GetPortConfig returns the port config path (with fallback)
func (s *Settings) GetPortConfig() string {
	if s.PortConfig != "" {
		return s.PortConfig
	}
	return "/etc/fibsync/ports.yaml"
}

// GetAuditLog returns the audit log path (with fallback)
func (s *Settings) GetAuditLog() string {
	if s.AuditLog != "" {
		return s.AuditLog
	}
	return "/var/log/fibsync/audit.log"
}

// GetMetricsAddr returns the metrics listen address (with fallback)
func (s *Settings) GetMetricsAddr() string {
	if s.MetricsAddr != "" {
		return s.MetricsAddr
	}
	return ":9273"
}

// GetLogLevel returns the log level (with fallback)
func (s *Settings) GetLogLevel() string {
	if s.LogLevel != "" {
		return s.LogLevel
	}
	return "info"
}

// RouterMAC parses DefaultRouterMAC; unset yields nil.
func (s *Settings) RouterMAC() (net.HardwareAddr, error) {
	if s.DefaultRouterMAC == "" {
		return nil, nil
	}
	return util.ParseMAC(s.DefaultRouterMAC)
}

// Capacity converts Capacities into per-kind pool sizes.
func (s *Settings) Capacity() (map[switchapi.Kind]uint32, error) {
	if len(s.Capacities) == 0 {
		return nil, nil
	}
	out := make(map[switchapi.Kind]uint32, len(s.Capacities))
	for name, n := range s.Capacities {
		k, err := switchapi.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("capacities: %w", err)
		}
		out[k] = n
	}
	return out, nil
}

// Keys lists the names accepted by Get and Set.
func Keys() []string {
	return []string{
		"device_id", "device_name", "redis_addr", "redis_db",
		"ssh_host", "ssh_user", "ssh_password", "ssh_port", "ssh_known_hosts",
		"port_config", "default_router_mac", "capacity.<kind>",
		"audit_log", "metrics_addr", "log_level",
	}
}

// Get returns a setting as a string; unset settings return "".
func (s *Settings) Get(key string) (string, error) {
	itoa := func(n int) string {
		if n == 0 {
			return ""
		}
		return strconv.Itoa(n)
	}
	switch key {
	case "device_id":
		return itoa(int(s.DeviceID)), nil
	case "device_name":
		return s.DeviceName, nil
	case "redis_addr":
		return s.RedisAddr, nil
	case "redis_db":
		return itoa(s.RedisDB), nil
	case "ssh_host":
		return s.SSHHost, nil
	case "ssh_user":
		return s.SSHUser, nil
	case "ssh_password":
		if s.SSHPassword == "" {
			return "", nil
		}
		return "********", nil
	case "ssh_port":
		return itoa(s.SSHPort), nil
	case "ssh_known_hosts":
		return s.SSHKnownHosts, nil
	case "port_config":
		return s.PortConfig, nil
	case "default_router_mac":
		return s.DefaultRouterMAC, nil
	case "audit_log":
		return s.AuditLog, nil
	case "metrics_addr":
		return s.MetricsAddr, nil
	case "log_level":
		return s.LogLevel, nil
	}
	if kind, ok := strings.CutPrefix(key, "capacity."); ok {
		if _, err := switchapi.ParseKind(kind); err != nil {
			return "", err
		}
		if n, ok := s.Capacities[kind]; ok {
			return strconv.FormatUint(uint64(n), 10), nil
		}
		return "", nil
	}
	return "", util.NewParameterError("get setting", "key", key)
}

// Set parses and stores one setting. An empty value clears it.
func (s *Settings) Set(key, value string) error {
	atoi := func(bits int) (uint64, error) {
		if value == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(value, 10, bits)
		if err != nil {
			return 0, util.NewParameterError("set setting", key, fmt.Sprintf("%q is not a number", value))
		}
		return n, nil
	}

	switch key {
	case "device_id":
		n, err := atoi(16)
		if err != nil {
			return err
		}
		s.DeviceID = uint16(n)
	case "device_name":
		s.DeviceName = value
	case "redis_addr":
		s.RedisAddr = value
	case "redis_db":
		n, err := atoi(8)
		if err != nil {
			return err
		}
		s.RedisDB = int(n)
	case "ssh_host":
		s.SSHHost = value
	case "ssh_user":
		s.SSHUser = value
	case "ssh_password":
		s.SSHPassword = value
	case "ssh_port":
		n, err := atoi(16)
		if err != nil {
			return err
		}
		s.SSHPort = int(n)
	case "ssh_known_hosts":
		s.SSHKnownHosts = value
	case "port_config":
		s.PortConfig = value
	case "default_router_mac":
		if value != "" {
			mac, err := util.ParseMAC(value)
			if err != nil {
				return err
			}
			if !util.ValidUnicastMAC(mac) {
				return util.NewParameterError("set setting", key, value+" is not a unicast address")
			}
			value = mac.String()
		}
		s.DefaultRouterMAC = value
	case "audit_log":
		s.AuditLog = value
	case "metrics_addr":
		s.MetricsAddr = value
	case "log_level":
		s.LogLevel = value
	default:
		kind, ok := strings.CutPrefix(key, "capacity.")
		if !ok {
			return util.NewParameterError("set setting", "key", key)
		}
		if _, err := switchapi.ParseKind(kind); err != nil {
			return err
		}
		n, err := atoi(32)
		if err != nil {
			return err
		}
		if n == 0 {
			delete(s.Capacities, kind)
			return nil
		}
		if s.Capacities == nil {
			s.Capacities = make(map[string]uint32)
		}
		s.Capacities[kind] = uint32(n)
	}
	return nil
}

// CapacityKeys returns the configured capacity keys in sorted order.
func (s *Settings) CapacityKeys() []string {
	keys := make([]string, 0, len(s.Capacities))
	for k := range s.Capacities {
		keys = append(keys, "capacity."+k)
	}
	sort.Strings(keys)
	return keys
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
