// Package collector runs read-only show commands against a fleet of Juniper
// routers over SSH. A bounded worker pool fans out across devices; per-device
// failures are captured in the results rather than failing the batch.
package collector

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/hostkey"
	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Command shapes issued against routers. The inspector consumes the full
// BGP configuration; the legacy collection path only needs peer-as lines.
const (
	CommandBGPConfig = "show configuration protocols bgp"
	CommandPeerAS    = "show configuration protocols bgp group CUSTOMERS | match peer-as"
)

// Result is the per-device outcome, returned in input order.
type Result struct {
	Device model.Device
	Output string
	Err    error
}

// Collector owns SSH credentials and the host-key store. Safe for use by a
// single batch at a time; construct one per pipeline run.
type Collector struct {
	cfg      config.SSHConfig
	hostKeys *hostkey.Store
	auth     []ssh.AuthMethod
}

// New builds a collector from configuration. Key auth is preferred; a
// password from the configured environment variable is the fallback.
func New(cfg config.SSHConfig, hostKeys *hostkey.Store) (*Collector, error) {
	var auth []ssh.AuthMethod

	if cfg.KeyPath != "" {
		raw, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, util.WrapError(util.KindConfiguration, "read ssh key", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, util.WrapError(util.KindConfiguration, "parse ssh key", cfg.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.PasswordEnv != "" {
		if pw := os.Getenv(cfg.PasswordEnv); pw != "" {
			auth = append(auth, ssh.Password(pw))
		}
	}
	if len(auth) == 0 {
		return nil, util.NewPipelineError(util.KindConfiguration, "build collector", "ssh",
			"no usable auth method: set ssh.key_path or ssh.password_env")
	}

	return &Collector{cfg: cfg, hostKeys: hostKeys, auth: auth}, nil
}

// Workers returns the effective pool size for n devices: the configured
// maximum clamped to [1, n].
func (c *Collector) Workers(n int) int {
	w := c.cfg.MaxWorkers
	if w < 1 {
		w = 1
	}
	if n > 0 && w > n {
		w = n
	}
	return w
}

// Collect runs command on every device. The returned slice matches the input
// order; results carry per-device errors. The batch as a whole only stops
// early on context cancellation, and cancelled devices report ctx.Err().
func (c *Collector) Collect(ctx context.Context, devices []model.Device, command string) []Result {
	results := make([]Result, len(devices))
	if len(devices) == 0 {
		return results
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := c.Workers(len(devices))
	util.WithOperation("collect").Debugf("starting %d workers for %d devices", workers, len(devices))

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out, err := c.collectOne(ctx, devices[i], command)
				results[i] = Result{Device: devices[i], Output: out, Err: err}

				outcome := "success"
				if err != nil {
					outcome = "failure"
					util.WithRouter(devices[i].Hostname).Warnf("collection failed: %v", err)
				}
				metrics.CollectionsTotal.WithLabelValues(devices[i].Hostname, outcome).Inc()
			}
		}()
	}

feed:
	for i := range devices {
		select {
		case jobs <- i:
		case <-ctx.Done():
			// Remaining devices are abandoned; mark them cancelled.
			for j := i; j < len(devices); j++ {
				if results[j].Device.Hostname == "" {
					results[j] = Result{Device: devices[j], Err: ctx.Err()}
				}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// collectOne dials, runs the command under the command timeout, and closes.
// The SSH handshake is bounded by the connect timeout; a security error from
// host-key verification is returned as-is so it is never downgraded.
func (c *Collector) collectOne(ctx context.Context, dev model.Device, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	addr := dev.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            c.auth,
		HostKeyCallback: c.hostKeys.Callback(),
		Timeout:         time.Duration(c.cfg.ConnectTimeoutSeconds) * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		if util.KindOf(err) == util.KindSecurity {
			return "", err
		}
		return "", util.WrapError(util.KindConnection, "ssh dial", dev.Hostname, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", util.WrapError(util.KindConnection, "ssh session", dev.Hostname, err)
	}
	defer session.Close()

	type execResult struct {
		out []byte
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- execResult{out, err}
	}()

	cmdTimeout := time.Duration(c.cfg.CommandTimeoutSeconds) * time.Second
	timer := time.NewTimer(cmdTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.out), util.WrapError(util.KindConnection, "ssh exec", dev.Hostname,
				fmt.Errorf("%q: %w", command, r.err))
		}
		return string(r.out), nil
	case <-timer.C:
		// Closing the client unblocks the in-flight session read.
		client.Close()
		return "", util.NewPipelineError(util.KindTimeout, "ssh exec", dev.Hostname,
			fmt.Sprintf("command exceeded %s", cmdTimeout))
	case <-ctx.Done():
		client.Close()
		return "", ctx.Err()
	}
}
