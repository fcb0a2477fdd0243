package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// DeviceFileName is the name of every layered device configuration file.
	DeviceFileName = "fpga_config.json"
	// SystemConfigDir holds the system-wide configuration layer.
	SystemConfigDir = "/etc/fpgaoffload"
	// DefaultSSHPort is used when a device section omits ssh_port.
	DefaultSSHPort = 22
	// DefaultHostIP is the local bind address when the host section omits ip.
	DefaultHostIP = "0.0.0.0"
)

const hostSection = "host"

var (
	// ErrDeviceNotFound indicates the device name has no configuration section.
	ErrDeviceNotFound = errors.New("config: device not found")
	// ErrMissingKey indicates a required key is absent from a device section.
	ErrMissingKey = errors.New("config: missing required key")
)

// DeviceProfile is the resolved connection record for one remote board.
type DeviceProfile struct {
	Name             string
	Address          string
	SSHPort          int
	SSHUser          string
	Password         string
	KeyFile          string
	KnownHosts       string
	RemoteTmp        string
	RemoteExecutable string
	UseSudo          bool
	UDPPort          int
}

// ControlAddr returns the host:port of the control channel.
func (p DeviceProfile) ControlAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.SSHPort))
}

// HostConfig is the host section of the layered configuration.
type HostConfig struct {
	IP string
}

type layerFile struct {
	Host    map[string]json.RawMessage            `json:"host"`
	Devices map[string]map[string]json.RawMessage `json:"devices"`
}

// Store is a layered key/value device configuration. Later layers win per key.
type Store struct {
	paths []string

	mu       sync.RWMutex
	sections map[string]map[string]string
	loaded   []string
}

// DefaultLayerPaths returns system < user < project layer paths.
func DefaultLayerPaths() []string {
	paths := []string{filepath.Join(SystemConfigDir, DeviceFileName)}
	if dataDir, err := ResolveDataDir(); err == nil {
		paths = append(paths, filepath.Join(dataDir, DeviceFileName))
	}
	paths = append(paths, DeviceFileName)
	return paths
}

// NewStore creates a store over the given layer paths, lowest priority first.
// Built-in defaults always sit below every file layer.
func NewStore(paths ...string) *Store {
	return &Store{
		paths:    append([]string(nil), paths...),
		sections: builtinDefaults(),
	}
}

// Init performs the initial layered load.
func (s *Store) Init() error {
	return s.Reload()
}

// Reload clears the store and re-reads every layer.
func (s *Store) Reload() error {
	sections := builtinDefaults()
	loaded := make([]string, 0, len(s.paths))

	for _, path := range s.paths {
		layer, err := readLayer(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		mergeLayer(sections, layer)
		loaded = append(loaded, path)
	}

	s.mu.Lock()
	s.sections = sections
	s.loaded = loaded
	s.mu.Unlock()
	return nil
}

// LoadedFiles returns the layer files that were present on the last load.
func (s *Store) LoadedFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.loaded...)
}

// Has reports whether a device section exists.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == hostSection {
		return false
	}
	_, ok := s.sections[name]
	return ok
}

// Get returns the raw value for one key of a section.
func (s *Store) Get(section, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.sections[section]
	if !ok {
		return "", false
	}
	value, ok := values[key]
	return value, ok
}

// Devices returns the configured device names in sorted order.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		if name == hostSection {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host returns the host section.
func (s *Store) Host() HostConfig {
	ip, ok := s.Get(hostSection, "ip")
	if !ok || strings.TrimSpace(ip) == "" {
		ip = DefaultHostIP
	}
	return HostConfig{IP: ip}
}

// Lookup resolves a device profile by name.
func (s *Store) Lookup(name string) (DeviceProfile, error) {
	s.mu.RLock()
	values, ok := s.sections[name]
	s.mu.RUnlock()
	if !ok || name == hostSection {
		return DeviceProfile{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	profile := DeviceProfile{
		Name:             name,
		Address:          values["ip"],
		SSHUser:          values["ssh_user"],
		Password:         values["ssh_pwd"],
		KeyFile:          expandHome(values["ssh_key"]),
		KnownHosts:       expandHome(values["known_hosts"]),
		RemoteTmp:        values["remote_tmp"],
		RemoteExecutable: values["remote_script"],
	}

	for _, key := range []string{"ip", "ssh_user", "remote_tmp", "remote_script"} {
		if strings.TrimSpace(values[key]) == "" {
			return DeviceProfile{}, fmt.Errorf("%w: device %q key %q", ErrMissingKey, name, key)
		}
	}

	port, err := intValue(values, "ssh_port", DefaultSSHPort)
	if err != nil {
		return DeviceProfile{}, fmt.Errorf("device %q: %w", name, err)
	}
	profile.SSHPort = port

	udpPort, err := intValue(values, "udp_port", 0)
	if err != nil {
		return DeviceProfile{}, fmt.Errorf("device %q: %w", name, err)
	}
	if udpPort < 0 || udpPort > 65535 {
		return DeviceProfile{}, fmt.Errorf("device %q: udp_port %d out of range", name, udpPort)
	}
	profile.UDPPort = udpPort

	if raw, ok := values["use_sudo"]; ok && raw != "" {
		useSudo, err := strconv.ParseBool(raw)
		if err != nil {
			return DeviceProfile{}, fmt.Errorf("device %q: parse use_sudo: %w", name, err)
		}
		profile.UseSudo = useSudo
	}

	return profile, nil
}

func builtinDefaults() map[string]map[string]string {
	return map[string]map[string]string{
		hostSection: {"ip": DefaultHostIP},
	}
}

func readLayer(path string) (layerFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return layerFile{}, fmt.Errorf("read config layer %q: %w", path, err)
	}

	var layer layerFile
	if err := json.Unmarshal(raw, &layer); err != nil {
		return layerFile{}, fmt.Errorf("parse config layer %q: %w", path, err)
	}
	return layer, nil
}

func mergeLayer(sections map[string]map[string]string, layer layerFile) {
	if len(layer.Host) > 0 {
		mergeSection(sections, hostSection, layer.Host)
	}
	for name, values := range layer.Devices {
		if name == hostSection {
			continue
		}
		mergeSection(sections, name, values)
	}
}

func mergeSection(sections map[string]map[string]string, name string, values map[string]json.RawMessage) {
	section, ok := sections[name]
	if !ok {
		section = make(map[string]string, len(values))
		sections[name] = section
	}
	for key, raw := range values {
		section[strings.ToLower(key)] = rawToString(raw)
	}
}

// rawToString flattens a JSON scalar to its ini-style string form.
func rawToString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

func intValue(values map[string]string, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(values[key])
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
