// Package proxy maintains named SSH local-port forwards through a jump
// host so bgpq4 can reach IRR servers from networks that block outbound
// whois. Each tunnel listens on a fixed loopback port and forwards to a
// configured remote address over a shared SSH connection.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/otto-bgp/otto-bgp/pkg/hostkey"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// State is the lifecycle state of one tunnel.
type State string

const (
	StateDown       State = "down"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
)

// TunnelSpec is one named forward from tunnels.yml.
type TunnelSpec struct {
	Name       string `yaml:"name"`
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// RemoteAddr returns the forward destination as host:port.
func (s TunnelSpec) RemoteAddr() string {
	return net.JoinHostPort(s.RemoteHost, fmt.Sprintf("%d", s.RemotePort))
}

// LocalAddr returns the loopback listen address bgpq4 should dial.
func (s TunnelSpec) LocalAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.LocalPort)
}

// TunnelsFile is the on-disk proxy definition.
type TunnelsFile struct {
	JumpHost    string       `yaml:"jump_host"`
	Username    string       `yaml:"username"`
	KeyPath     string       `yaml:"key_path"`
	PasswordEnv string       `yaml:"password_env"`
	Tunnels     []TunnelSpec `yaml:"tunnels"`
}

// LoadTunnels parses and validates a tunnels.yml.
func LoadTunnels(path string) (*TunnelsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.WrapError(util.KindConfiguration, "load tunnels", path, err)
	}
	var tf TunnelsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, util.WrapError(util.KindConfiguration, "parse tunnels", path, err)
	}

	v := &util.ValidationBuilder{}
	v.Add(tf.JumpHost != "", "jump_host is required")
	v.Add(tf.Username != "", "username is required")
	v.Add(len(tf.Tunnels) > 0, "at least one tunnel must be defined")
	seen := make(map[string]bool)
	ports := make(map[int]string)
	for i, t := range tf.Tunnels {
		if t.Name == "" {
			v.AddErrorf("tunnel %d: name is required", i)
			continue
		}
		if seen[t.Name] {
			v.AddErrorf("tunnel %s: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if t.LocalPort < 1 || t.LocalPort > 65535 {
			v.AddErrorf("tunnel %s: local_port %d out of range", t.Name, t.LocalPort)
		} else if prev, dup := ports[t.LocalPort]; dup {
			v.AddErrorf("tunnel %s: local_port %d already used by %s", t.Name, t.LocalPort, prev)
		} else {
			ports[t.LocalPort] = t.Name
		}
		v.Add(t.RemoteHost != "", fmt.Sprintf("tunnel %s: remote_host is required", t.Name))
		if t.RemotePort < 1 || t.RemotePort > 65535 {
			v.AddErrorf("tunnel %s: remote_port %d out of range", t.Name, t.RemotePort)
		}
	}
	if err := v.Build(); err != nil {
		return nil, err
	}
	return &tf, nil
}

// Tunnel forwards one loopback port to a remote address over the shared
// SSH connection. Connections are copied byte-for-byte in both directions.
type Tunnel struct {
	spec     TunnelSpec
	client   *ssh.Client
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

func openTunnel(client *ssh.Client, spec TunnelSpec) (*Tunnel, error) {
	listener, err := net.Listen("tcp", spec.LocalAddr())
	if err != nil {
		return nil, fmt.Errorf("local listen %s: %w", spec.LocalAddr(), err)
	}
	t := &Tunnel{
		spec:     spec,
		client:   client,
		listener: listener,
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Close stops the listener and waits for forwarding goroutines to drain.
// The shared SSH client stays open; the Manager owns it.
func (t *Tunnel) Close() {
	close(t.done)
	t.listener.Close()
	t.wg.Wait()
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.spec.RemoteAddr())
	if err != nil {
		util.Warnf("tunnel %s: remote dial %s: %v", t.spec.Name, t.spec.RemoteAddr(), err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

// Manager owns the jump-host SSH connection and the set of tunnels.
type Manager struct {
	file     *TunnelsFile
	hostKeys *hostkey.Store
	timeout  time.Duration

	mu      sync.Mutex
	client  *ssh.Client
	tunnels map[string]*Tunnel
	states  map[string]State
}

// NewManager prepares a manager; no connections are opened until
// EstablishAll.
func NewManager(file *TunnelsFile, hostKeys *hostkey.Store, connectTimeout time.Duration) *Manager {
	states := make(map[string]State, len(file.Tunnels))
	for _, t := range file.Tunnels {
		states[t.Name] = StateDown
	}
	return &Manager{
		file:     file,
		hostKeys: hostKeys,
		timeout:  connectTimeout,
		tunnels:  make(map[string]*Tunnel),
		states:   states,
	}
}

func (m *Manager) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if m.file.KeyPath != "" {
		data, err := os.ReadFile(m.file.KeyPath)
		if err != nil {
			return nil, util.WrapError(util.KindConfiguration, "read jump host key", m.file.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, util.WrapError(util.KindConfiguration, "parse jump host key", m.file.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if m.file.PasswordEnv != "" {
		if pass := os.Getenv(m.file.PasswordEnv); pass != "" {
			auth = append(auth, ssh.Password(pass))
		}
	}
	if len(auth) == 0 {
		return nil, util.NewPipelineError(util.KindConfiguration, "proxy auth", m.file.JumpHost,
			"no key_path or password available for jump host")
	}
	return auth, nil
}

// EstablishAll connects the jump host and brings up every tunnel. A tunnel
// counts as connected only after a TCP probe of its loopback port succeeds.
// Tunnels that did come up stay up when others fail; the caller decides
// whether to tear down.
func (m *Manager) EstablishAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}
	for _, t := range m.file.Tunnels {
		m.states[t.Name] = StateConnecting
	}

	auth, err := m.authMethods()
	if err != nil {
		m.markAll(StateFailed)
		return err
	}

	addr := m.file.JumpHost
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	sshCfg := &ssh.ClientConfig{
		User:            m.file.Username,
		Auth:            auth,
		HostKeyCallback: m.hostKeys.Callback(),
		Timeout:         m.timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		m.markAll(StateFailed)
		return util.WrapError(util.KindConnection, "dial jump host", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		m.markAll(StateFailed)
		if _, ok := err.(*ssh.ServerAuthError); !ok && strings.Contains(err.Error(), "host key") {
			return err
		}
		return util.WrapError(util.KindConnection, "ssh handshake with jump host", addr, err)
	}
	m.client = ssh.NewClient(sshConn, chans, reqs)

	var failed []string
	for _, spec := range m.file.Tunnels {
		tun, err := openTunnel(m.client, spec)
		if err != nil {
			util.Warnf("tunnel %s: %v", spec.Name, err)
			m.states[spec.Name] = StateFailed
			failed = append(failed, spec.Name)
			continue
		}
		m.tunnels[spec.Name] = tun
		if err := probe(spec.LocalAddr(), 3*time.Second); err != nil {
			util.Warnf("tunnel %s: probe %s: %v", spec.Name, spec.LocalAddr(), err)
			m.states[spec.Name] = StateFailed
			failed = append(failed, spec.Name)
			continue
		}
		m.states[spec.Name] = StateConnected
		util.Infof("tunnel %s up: %s -> %s", spec.Name, spec.LocalAddr(), spec.RemoteAddr())
	}

	if len(failed) > 0 {
		return util.NewPipelineError(util.KindConnection, "establish tunnels", m.file.JumpHost,
			"failed: "+strings.Join(failed, ", "))
	}
	return nil
}

// TeardownAll closes every tunnel and the jump-host connection. Safe to
// call repeatedly and on a manager that never connected.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, tun := range m.tunnels {
		tun.Close()
		m.states[name] = StateDown
		delete(m.tunnels, name)
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	for name := range m.states {
		m.states[name] = StateDown
	}
}

// TestConnectivity probes the loopback port of a named tunnel and updates
// its state from the result.
func (m *Manager) TestConnectivity(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, ok := m.specFor(name)
	if !ok {
		return util.NewPipelineError(util.KindValidation, "test tunnel", name, "unknown tunnel")
	}
	if _, up := m.tunnels[name]; !up {
		m.states[name] = StateDown
		return util.NewPipelineError(util.KindConnection, "test tunnel", name, "tunnel is down")
	}
	if err := probe(spec.LocalAddr(), 3*time.Second); err != nil {
		m.states[name] = StateFailed
		return util.WrapError(util.KindConnection, "test tunnel", name, err)
	}
	m.states[name] = StateConnected
	return nil
}

// States returns a copy of the per-tunnel states.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// LocalAddr returns the loopback address for a connected tunnel. The
// second return is false when the tunnel is unknown or not connected.
func (m *Manager) LocalAddr(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specFor(name)
	if !ok || m.states[name] != StateConnected {
		return "", false
	}
	return spec.LocalAddr(), true
}

func (m *Manager) specFor(name string) (TunnelSpec, bool) {
	for _, t := range m.file.Tunnels {
		if t.Name == name {
			return t, true
		}
	}
	return TunnelSpec{}, false
}

func (m *Manager) markAll(s State) {
	for name := range m.states {
		m.states[name] = s
	}
}

func probe(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
