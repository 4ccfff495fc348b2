// Package netconf applies adapted configurations to Juniper routers over
// NETCONF with confirmed-commit semantics: the device rolls the change
// back on its own if the session dies before confirmation.
package netconf

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	junos "github.com/Juniper/go-netconf/netconf"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/hostkey"
	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Step names the lifecycle phase an error came from.
type Step string

const (
	StepConnect  Step = "connect"
	StepLock     Step = "lock"
	StepLoad     Step = "load"
	StepDiff     Step = "diff"
	StepCommit   Step = "commit"
	StepConfirm  Step = "confirm"
	StepRollback Step = "rollback"
	StepUnlock   Step = "unlock"
)

// StepError attributes a failure to its lifecycle step. The wrapped error
// carries the util error kind; a confirm step wrapping a timeout means the
// device will auto-roll back when the window lapses.
type StepError struct {
	Step Step
	Host string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("netconf %s on %s: %v", e.Step, e.Host, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepError(step Step, host string, kind util.ErrorKind, err error) error {
	return &StepError{Step: step, Host: host,
		Err: util.WrapError(kind, "netconf "+string(step), host, err)}
}

// LoadFormat selects the candidate payload syntax.
type LoadFormat string

const (
	LoadText LoadFormat = "text"
	LoadSet  LoadFormat = "set"
)

// DiffFormat selects the comparison output syntax.
type DiffFormat string

const (
	DiffText DiffFormat = "text"
	DiffSet  DiffFormat = "set"
	DiffXML  DiffFormat = "xml"
)

// DefaultConfirmWindow is how long the device waits for confirmation
// before rolling back a confirmed commit.
const DefaultConfirmWindow = 2 * time.Minute

// rpcExecer is the slice of junos.Session the applier needs. Tests swap
// in a scripted fake.
type rpcExecer interface {
	Exec(methods ...junos.RPCMethod) (*junos.RPCReply, error)
}

// Applier dials routers and drives the apply lifecycle. Credentials are
// shared across sessions; each Apply call uses its own session.
type Applier struct {
	cfg      config.SSHConfig
	hostKeys *hostkey.Store
	auth     []ssh.AuthMethod
}

// NewApplier builds the shared credential set the same way the collector
// does: key auth preferred, environment password as fallback.
func NewApplier(cfg config.SSHConfig, hostKeys *hostkey.Store) (*Applier, error) {
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
		return nil, util.NewPipelineError(util.KindConfiguration, "build applier", "ssh",
			"no usable auth method: set ssh.key_path or ssh.password_env")
	}

	return &Applier{cfg: cfg, hostKeys: hostKeys, auth: auth}, nil
}

// Session is one NETCONF connection to one router.
type Session struct {
	host  string
	conn  rpcExecer
	kill  func() error
	close func() error

	mu     sync.Mutex
	closed bool
}

// Dial opens a NETCONF session on port 830 unless the address carries its
// own port. Host-key verification failures are security errors and are
// never retried.
func (a *Applier) Dial(ctx context.Context, hostname, address string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "830")
	}

	clientCfg := &ssh.ClientConfig{
		User:            a.cfg.Username,
		Auth:            a.auth,
		HostKeyCallback: a.hostKeys.Callback(),
		Timeout:         time.Duration(a.cfg.ConnectTimeoutSeconds) * time.Second,
	}

	sess, err := junos.DialSSHTimeout(addr, clientCfg, clientCfg.Timeout)
	if err != nil {
		if util.KindOf(err) == util.KindSecurity {
			return nil, err
		}
		return nil, stepError(StepConnect, hostname, util.KindConnection, err)
	}

	util.WithRouter(hostname).Debugf("netconf session %d established", sess.SessionID)
	return &Session{
		host: hostname,
		conn: sess,
		kill: func() error { return sess.Transport.Close() },
		close: func() error {
			sess.Close()
			return nil
		},
	}, nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.close()
}

// exec runs one RPC under the NETCONF timeout. On timeout the transport
// is closed to unblock the in-flight read; the session is unusable after.
func (s *Session) exec(ctx context.Context, step Step, rpc string) (*junos.RPCReply, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, stepError(step, s.host, util.KindConnection, errors.New("session closed"))
	}
	s.mu.Unlock()

	timeout := config.CurrentTimeouts().NETCONF
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		reply *junos.RPCReply
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		reply, err := s.conn.Exec(junos.RawMethod(rpc))
		done <- outcome{reply, err}
	}()

	select {
	case <-execCtx.Done():
		_ = s.kill()
		_ = s.Close()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, stepError(step, s.host, util.KindTimeout,
				fmt.Errorf("rpc exceeded %s", timeout))
		}
		return nil, stepError(step, s.host, util.KindConnection, execCtx.Err())
	case out := <-done:
		metrics.NETCONFCommitDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
		if out.err != nil {
			var rpcErr *junos.RPCError
			if errors.As(out.err, &rpcErr) {
				return out.reply, stepError(step, s.host, util.KindData, out.err)
			}
			return out.reply, stepError(step, s.host, util.KindConnection, out.err)
		}
		for i := range out.reply.Errors {
			if out.reply.Errors[i].Severity == "error" {
				return out.reply, stepError(step, s.host, util.KindData, &out.reply.Errors[i])
			}
		}
		return out.reply, nil
	}
}

// Lock takes the candidate datastore lock.
func (s *Session) Lock(ctx context.Context) error {
	_, err := s.exec(ctx, StepLock, "<lock><target><candidate/></target></lock>")
	return err
}

// Unlock releases the candidate lock. Callers defer it; unlocking a
// session the device already dropped returns the transport error.
func (s *Session) Unlock(ctx context.Context) error {
	_, err := s.exec(ctx, StepUnlock, "<unlock><target><candidate/></target></unlock>")
	return err
}

// Load merges the payload into the candidate configuration.
func (s *Session) Load(ctx context.Context, payload string, format LoadFormat) error {
	var rpc string
	switch format {
	case LoadSet:
		rpc = fmt.Sprintf(`<load-configuration action="set" format="text"><configuration-set>%s</configuration-set></load-configuration>`,
			xmlEscape(payload))
	case LoadText, "":
		rpc = fmt.Sprintf(`<load-configuration action="merge" format="text"><configuration-text>%s</configuration-text></load-configuration>`,
			xmlEscape(payload))
	default:
		return stepError(StepLoad, s.host, util.KindValidation,
			fmt.Errorf("unknown load format %q", format))
	}
	_, err := s.exec(ctx, StepLoad, rpc)
	return err
}

// Diff compares the candidate against the running configuration. An
// empty string means the change is a no-op.
func (s *Session) Diff(ctx context.Context, format DiffFormat) (string, error) {
	if format == "" {
		format = DiffText
	}
	rpc := fmt.Sprintf(`<get-configuration compare="rollback" rollback="0" format="%s"/>`, format)
	reply, err := s.exec(ctx, StepDiff, rpc)
	if err != nil {
		return "", err
	}
	if format == DiffXML {
		return strings.TrimSpace(reply.Data), nil
	}
	return parseDiff(reply.Data), nil
}

// CommitConfirmed commits with a rollback window. Junos counts the
// window in whole minutes; fractions round up.
func (s *Session) CommitConfirmed(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		window = DefaultConfirmWindow
	}
	minutes := int((window + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	rpc := fmt.Sprintf("<commit-configuration><confirmed/><confirm-timeout>%d</confirm-timeout></commit-configuration>", minutes)
	_, err := s.exec(ctx, StepCommit, rpc)
	return err
}

// Confirm makes the pending confirmed commit permanent.
func (s *Session) Confirm(ctx context.Context) error {
	_, err := s.exec(ctx, StepConfirm, "<commit-configuration/>")
	return err
}

// Rollback discards the uncommitted candidate.
func (s *Session) Rollback(ctx context.Context) error {
	_, err := s.exec(ctx, StepRollback, "<discard-changes/>")
	return err
}

// ApplyRequest describes one configuration push.
type ApplyRequest struct {
	Hostname   string
	Address    string
	Config     string
	Format     LoadFormat
	DiffFormat DiffFormat
	// ConfirmWindow bounds how long the device waits before auto-rollback.
	ConfirmWindow time.Duration
	// DryRun stops after the diff and discards the candidate.
	DryRun bool
	// SkipConfirm leaves the confirmed commit pending so the caller can
	// run health checks and call Confirm itself.
	SkipConfirm bool
}

// ApplyResult reports how far the lifecycle got.
type ApplyResult struct {
	Hostname  string        `json:"hostname"`
	Diff      string        `json:"diff,omitempty"`
	Unchanged bool          `json:"unchanged"`
	Committed bool          `json:"committed"`
	Confirmed bool          `json:"confirmed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Apply drives the full lifecycle: lock, load, diff, confirmed commit,
// confirm. The candidate lock is released on every exit path. After a
// successful confirmed commit a later failure no longer rolls back here;
// the device's confirm window handles it.
func (a *Applier) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	res := &ApplyResult{Hostname: req.Hostname}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	sess, err := a.Dial(ctx, req.Hostname, req.Address)
	if err != nil {
		return res, err
	}
	return res, a.applyWith(ctx, sess, req, res)
}

// applyWith is Apply after the dial; split out so tests can inject a
// scripted session.
func (a *Applier) applyWith(ctx context.Context, sess *Session, req ApplyRequest, res *ApplyResult) error {
	defer func() {
		if err := sess.Close(); err != nil {
			util.WithRouter(req.Hostname).Warnf("netconf close: %v", err)
		}
	}()

	if err := sess.Lock(ctx); err != nil {
		return err
	}
	unlocked := false
	unlock := func() {
		if unlocked {
			return
		}
		unlocked = true
		if err := sess.Unlock(ctx); err != nil {
			util.WithRouter(req.Hostname).Warnf("netconf unlock: %v", err)
		}
	}
	defer unlock()

	if err := sess.Load(ctx, req.Config, req.Format); err != nil {
		if rbErr := sess.Rollback(ctx); rbErr != nil {
			util.WithRouter(req.Hostname).Warnf("netconf rollback after failed load: %v", rbErr)
		}
		return err
	}

	diff, err := sess.Diff(ctx, req.DiffFormat)
	if err != nil {
		if rbErr := sess.Rollback(ctx); rbErr != nil {
			util.WithRouter(req.Hostname).Warnf("netconf rollback after failed diff: %v", rbErr)
		}
		return err
	}
	res.Diff = diff
	res.Unchanged = diff == ""

	if req.DryRun || res.Unchanged {
		return sess.Rollback(ctx)
	}

	if err := sess.CommitConfirmed(ctx, req.ConfirmWindow); err != nil {
		if rbErr := sess.Rollback(ctx); rbErr != nil {
			util.WithRouter(req.Hostname).Warnf("netconf rollback after failed commit: %v", rbErr)
		}
		return err
	}
	res.Committed = true
	util.WithRouter(req.Hostname).Infof("confirmed commit pending, window %s", req.ConfirmWindow)

	if req.SkipConfirm {
		return nil
	}

	if err := sess.Confirm(ctx); err != nil {
		util.WithRouter(req.Hostname).Warnf("confirm failed; device rolls back when the window lapses: %v", err)
		return err
	}
	res.Confirmed = true
	util.WithRouter(req.Hostname).Infof("commit confirmed")
	return nil
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	// EscapeText only fails on a failing writer; bytes.Buffer never does.
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// parseDiff pulls the comparison text out of the RPC reply. Junos wraps
// it in configuration-information/configuration-output.
func parseDiff(data string) string {
	var wrapper struct {
		Output string `xml:"configuration-information>configuration-output"`
	}
	if err := xml.Unmarshal([]byte("<reply>"+data+"</reply>"), &wrapper); err != nil {
		return strings.TrimSpace(data)
	}
	return strings.TrimSpace(wrapper.Output)
}
