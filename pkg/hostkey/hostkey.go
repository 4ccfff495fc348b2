// Package hostkey verifies SSH host keys against a pre-distributed
// known_hosts file. Production runs in strict mode where unknown hosts are
// rejected; setup mode records first-seen keys so the fleet can be enrolled
// once and locked down afterwards.
package hostkey

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Mode selects how unknown hosts are treated.
type Mode int

const (
	// ModeStrict rejects any hostname not present in the known_hosts file.
	ModeStrict Mode = iota
	// ModeSetup appends unknown hostnames to the file and accepts them once.
	// A later mismatch against the recorded key still rejects.
	ModeSetup
)

func (m Mode) String() string {
	if m == ModeSetup {
		return "setup"
	}
	return "strict"
}

// Store wraps a known_hosts file with match/mismatch/unknown semantics.
// In setup mode it is a single writer; verification is safe for concurrent
// use by the collector pool.
type Store struct {
	path string
	mode Mode

	mu    sync.Mutex
	check ssh.HostKeyCallback
}

// NewStore opens the known_hosts file at path. In strict mode the file must
// already exist; in setup mode a missing file is created empty.
func NewStore(path string, setup bool) (*Store, error) {
	mode := ModeStrict
	if setup {
		mode = ModeSetup
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, util.WrapError(util.KindConfiguration, "open known_hosts", path, err)
		}
		if mode == ModeStrict {
			return nil, util.NewPipelineError(util.KindConfiguration, "open known_hosts", path,
				"file does not exist; distribute host keys or run with OTTO_BGP_SETUP_MODE=true")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, util.WrapError(util.KindConfiguration, "create known_hosts dir", path, err)
		}
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return nil, util.WrapError(util.KindConfiguration, "create known_hosts", path, err)
		}
		util.Warnf("known_hosts %s did not exist, created empty (setup mode)", path)
	}

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, util.WrapError(util.KindConfiguration, "parse known_hosts", path, err)
	}

	return &Store{path: path, mode: mode, check: check}, nil
}

// Mode returns the operating mode the store was opened with.
func (s *Store) Mode() Mode {
	return s.mode
}

// Callback returns the verification function in the shape the ssh package
// expects. The hostname passed in must carry a port (host:22), which is what
// ssh.Dial provides.
func (s *Store) Callback() ssh.HostKeyCallback {
	return s.Verify
}

// Verify checks the offered key for hostname. Unknown hosts are learned in
// setup mode and rejected in strict mode; a key mismatch is always a fatal
// SecurityError naming both fingerprints.
func (s *Store) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	check := s.check
	s.mu.Unlock()

	err := check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			if s.mode == ModeSetup {
				return s.learn(hostname, remote, key)
			}
			return util.NewSecurityError("host key verification",
				fmt.Sprintf("unknown host %s offered key %s; not in %s", hostname, Fingerprint(key), s.path))
		}
		stored := make([]string, 0, len(keyErr.Want))
		for _, w := range keyErr.Want {
			stored = append(stored, Fingerprint(w.Key))
		}
		return util.NewSecurityError("host key verification",
			fmt.Sprintf("host key mismatch for %s: stored %s, received %s",
				hostname, strings.Join(stored, ", "), Fingerprint(key)))
	}

	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return util.NewSecurityError("host key verification",
			fmt.Sprintf("host key for %s is revoked: %s", hostname, Fingerprint(key)))
	}

	return util.NewSecurityError("host key verification", err.Error())
}

// learn appends the key and reloads the callback so the entry is visible to
// subsequent verifications.
func (s *Store) learn(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another worker may have recorded the same host while we waited.
	if err := s.check(hostname, remote, key); err == nil {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return util.WrapError(util.KindConfiguration, "append known_hosts", s.path, err)
	}
	line := knownhosts.Line([]string{hostname}, key)
	_, werr := f.WriteString(line + "\n")
	cerr := f.Close()
	if werr != nil {
		return util.WrapError(util.KindConfiguration, "append known_hosts", s.path, werr)
	}
	if cerr != nil {
		return util.WrapError(util.KindConfiguration, "append known_hosts", s.path, cerr)
	}

	check, err := knownhosts.New(s.path)
	if err != nil {
		return util.WrapError(util.KindConfiguration, "reload known_hosts", s.path, err)
	}
	s.check = check

	util.WithField("host", hostname).Infof("setup mode: recorded host key %s", Fingerprint(key))
	return nil
}

// Fingerprint renders a key the way operators see it in OpenSSH output:
// SHA256: followed by unpadded base64.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}
