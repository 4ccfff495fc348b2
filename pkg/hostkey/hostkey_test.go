package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

func generateKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	return signer.PublicKey()
}

func writeKnownHosts(t *testing.T, entries map[string]ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	var b strings.Builder
	for host, key := range entries {
		b.WriteString(knownhosts.Line([]string{host}, key) + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatalf("writing known_hosts: %v", err)
	}
	return path
}

var testAddr = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 22}

func TestVerifyMatch(t *testing.T) {
	key := generateKey(t)
	path := writeKnownHosts(t, map[string]ssh.PublicKey{"edge1.example.net:22": key})

	s, err := NewStore(path, false)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Verify("edge1.example.net:22", testAddr, key); err != nil {
		t.Errorf("Verify of known key failed: %v", err)
	}
}

func TestVerifyUnknownStrict(t *testing.T) {
	known := generateKey(t)
	path := writeKnownHosts(t, map[string]ssh.PublicKey{"edge1.example.net:22": known})

	s, err := NewStore(path, false)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	err = s.Verify("stranger.example.net:22", testAddr, generateKey(t))
	if err == nil {
		t.Fatal("expected rejection of unknown host in strict mode")
	}
	if !errors.Is(err, util.ErrSecurity) {
		t.Errorf("error should classify as SecurityError, got %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	stored := generateKey(t)
	offered := generateKey(t)
	path := writeKnownHosts(t, map[string]ssh.PublicKey{"edge1.example.net:22": stored})

	// Mismatch must reject in both modes.
	for _, setup := range []bool{false, true} {
		s, err := NewStore(path, setup)
		if err != nil {
			t.Fatalf("NewStore(setup=%v): %v", setup, err)
		}
		err = s.Verify("edge1.example.net:22", testAddr, offered)
		if err == nil {
			t.Fatalf("setup=%v: expected mismatch rejection", setup)
		}
		if !errors.Is(err, util.ErrSecurity) {
			t.Errorf("setup=%v: want SecurityError, got %v", setup, err)
		}
		// Operators need both fingerprints to diagnose.
		msg := err.Error()
		if !strings.Contains(msg, Fingerprint(stored)) || !strings.Contains(msg, Fingerprint(offered)) {
			t.Errorf("setup=%v: message should name stored and received fingerprints: %s", setup, msg)
		}
	}
}

func TestSetupModeLearnsUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "known_hosts")

	s, err := NewStore(path, true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	key := generateKey(t)
	if err := s.Verify("edge9.example.net:22", testAddr, key); err != nil {
		t.Fatalf("first contact in setup mode should learn and accept: %v", err)
	}

	// Now known: verifies against the recorded key.
	if err := s.Verify("edge9.example.net:22", testAddr, key); err != nil {
		t.Errorf("second verification failed: %v", err)
	}

	// And a different key is now a mismatch, not a learn.
	err = s.Verify("edge9.example.net:22", testAddr, generateKey(t))
	if err == nil {
		t.Fatal("changed key after learn must be rejected")
	}
	if !errors.Is(err, util.ErrSecurity) {
		t.Errorf("want SecurityError, got %v", err)
	}

	// The entry survives a fresh open.
	s2, err := NewStore(path, false)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	if err := s2.Verify("edge9.example.net:22", testAddr, key); err != nil {
		t.Errorf("persisted entry not honored: %v", err)
	}
}

func TestStrictModeRequiresFile(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "absent"), false)
	if err == nil {
		t.Fatal("strict mode must refuse to start without a known_hosts file")
	}
	if !errors.Is(err, util.ErrConfiguration) {
		t.Errorf("want ConfigurationError, got %v", err)
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint(generateKey(t))
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("fingerprint %q should have SHA256: prefix", fp)
	}
	if strings.HasSuffix(fp, "=") {
		t.Errorf("fingerprint %q should be unpadded", fp)
	}
}
