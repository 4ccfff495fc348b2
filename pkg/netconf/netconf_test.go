package netconf

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	junos "github.com/Juniper/go-netconf/netconf"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// scriptedConn replays canned replies and records the RPCs it saw.
type scriptedConn struct {
	replies []scriptedReply
	calls   []string
}

type scriptedReply struct {
	data     string
	warnings []junos.RPCError
	err      error
}

func (c *scriptedConn) Exec(methods ...junos.RPCMethod) (*junos.RPCReply, error) {
	c.calls = append(c.calls, methods[0].MarshalMethod())
	if len(c.replies) == 0 {
		return &junos.RPCReply{}, nil
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &junos.RPCReply{Data: r.data, Errors: r.warnings}, nil
}

func fakeSession(conn *scriptedConn) *Session {
	return &Session{
		host:  "edge1.lab",
		conn:  conn,
		kill:  func() error { return nil },
		close: func() error { return nil },
	}
}

func diffReply(body string) string {
	return "<configuration-information><configuration-output>" + body + "</configuration-output></configuration-information>"
}

func TestLoadEscapesPayload(t *testing.T) {
	conn := &scriptedConn{}
	sess := fakeSession(conn)

	payload := `policy-options { prefix-list "<odd>" { 10.0.0.0/8; } } & done`
	if err := sess.Load(context.Background(), payload, LoadText); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rpc := conn.calls[0]
	if !strings.Contains(rpc, `action="merge"`) || !strings.Contains(rpc, "<configuration-text>") {
		t.Errorf("load rpc = %s", rpc)
	}
	if strings.Contains(rpc, "<odd>") {
		t.Error("payload not XML-escaped")
	}
	if !strings.Contains(rpc, "&lt;odd&gt;") || !strings.Contains(rpc, "&amp; done") {
		t.Errorf("escaped payload missing from rpc: %s", rpc)
	}
}

func TestLoadSetFormat(t *testing.T) {
	conn := &scriptedConn{}
	sess := fakeSession(conn)
	if err := sess.Load(context.Background(), "set policy-options prefix-list AS64500 203.0.113.0/24", LoadSet); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(conn.calls[0], `action="set"`) || !strings.Contains(conn.calls[0], "<configuration-set>") {
		t.Errorf("set rpc = %s", conn.calls[0])
	}
}

func TestParseDiff(t *testing.T) {
	body := "[edit policy-options]\n+   prefix-list AS64500 { 203.0.113.0/24; }"
	if got := parseDiff(diffReply(body)); got != body {
		t.Errorf("parseDiff = %q", got)
	}
	if got := parseDiff(diffReply("")); got != "" {
		t.Errorf("empty diff = %q", got)
	}
	if got := parseDiff("plain text, no xml structure"); got != "plain text, no xml structure" {
		t.Errorf("fallback = %q", got)
	}
}

func TestCommitConfirmedWindow(t *testing.T) {
	tests := []struct {
		window  string
		minutes string
	}{
		{"30s", "1"},
		{"2m", "2"},
		{"90s", "2"},
		{"0s", "2"}, // default window
	}
	for _, tt := range tests {
		conn := &scriptedConn{}
		sess := fakeSession(conn)
		d, err := time.ParseDuration(tt.window)
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.CommitConfirmed(context.Background(), d); err != nil {
			t.Fatal(err)
		}
		want := "<confirm-timeout>" + tt.minutes + "</confirm-timeout>"
		if !strings.Contains(conn.calls[0], want) {
			t.Errorf("window %s rpc = %s, want %s", tt.window, conn.calls[0], want)
		}
	}
}

func TestApplyDryRunDiscardsAndUnlocks(t *testing.T) {
	conn := &scriptedConn{replies: []scriptedReply{
		{}, // lock
		{}, // load
		{data: diffReply("+ something")},
		{}, // discard
		{}, // unlock
	}}
	res := &ApplyResult{Hostname: "edge1.lab"}
	a := &Applier{}
	err := a.applyWith(context.Background(), fakeSession(conn), ApplyRequest{
		Hostname: "edge1.lab",
		Config:   "policy-options { }",
		DryRun:   true,
	}, res)
	if err != nil {
		t.Fatalf("applyWith: %v", err)
	}
	if res.Committed || res.Confirmed {
		t.Error("dry run committed")
	}
	if res.Diff != "+ something" {
		t.Errorf("diff = %q", res.Diff)
	}
	wantOrder := []string{"<lock>", "<load-configuration", "<get-configuration", "<discard-changes/>", "<unlock>"}
	assertCallOrder(t, conn.calls, wantOrder)
}

func TestApplyFullLifecycle(t *testing.T) {
	conn := &scriptedConn{replies: []scriptedReply{
		{}, // lock
		{}, // load
		{data: diffReply("+ prefix-list AS64500")},
		{}, // commit confirmed
		{}, // confirm
		{}, // unlock
	}}
	res := &ApplyResult{Hostname: "edge1.lab"}
	a := &Applier{}
	err := a.applyWith(context.Background(), fakeSession(conn), ApplyRequest{
		Hostname: "edge1.lab",
		Config:   "policy-options { }",
	}, res)
	if err != nil {
		t.Fatalf("applyWith: %v", err)
	}
	if !res.Committed || !res.Confirmed || res.Unchanged {
		t.Errorf("result = %+v", res)
	}
	wantOrder := []string{"<lock>", "<load-configuration", "<get-configuration",
		"<commit-configuration><confirmed/>", "<commit-configuration/>", "<unlock>"}
	assertCallOrder(t, conn.calls, wantOrder)
}

func TestApplyUnchangedSkipsCommit(t *testing.T) {
	conn := &scriptedConn{replies: []scriptedReply{
		{}, // lock
		{}, // load
		{data: diffReply("")},
		{}, // discard
		{}, // unlock
	}}
	res := &ApplyResult{Hostname: "edge1.lab"}
	a := &Applier{}
	err := a.applyWith(context.Background(), fakeSession(conn), ApplyRequest{Hostname: "edge1.lab", Config: "x"}, res)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unchanged || res.Committed {
		t.Errorf("result = %+v", res)
	}
	for _, call := range conn.calls {
		if strings.Contains(call, "<confirmed/>") {
			t.Error("no-op change was committed")
		}
	}
}

func TestApplyLoadFailureRollsBack(t *testing.T) {
	rpcErr := &junos.RPCError{Severity: "error", Message: "syntax error"}
	conn := &scriptedConn{replies: []scriptedReply{
		{},            // lock
		{err: rpcErr}, // load
		{},            // discard
		{},            // unlock
	}}
	res := &ApplyResult{Hostname: "edge1.lab"}
	a := &Applier{}
	err := a.applyWith(context.Background(), fakeSession(conn), ApplyRequest{Hostname: "edge1.lab", Config: "x"}, res)
	if err == nil {
		t.Fatal("expected load failure")
	}

	var step *StepError
	if !errors.As(err, &step) || step.Step != StepLoad {
		t.Errorf("error = %v, want load step error", err)
	}
	if !errors.Is(err, util.ErrData) {
		t.Errorf("error kind = %v, want data", util.KindOf(err))
	}
	assertCallOrder(t, conn.calls, []string{"<lock>", "<load-configuration", "<discard-changes/>", "<unlock>"})
}

func TestExecOnCancelledContext(t *testing.T) {
	blocked := make(chan struct{})
	conn := &blockingConn{unblock: blocked}
	sess := &Session{
		host: "edge1.lab",
		conn: conn,
		kill: func() error {
			close(blocked)
			return nil
		},
		close: func() error { return nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sess.exec(ctx, StepLock, "<lock/>")
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !errors.Is(err, util.ErrConnection) {
		t.Errorf("error kind = %v, want connection", util.KindOf(err))
	}
	// The session must refuse further RPCs once torn down.
	if _, err := sess.exec(context.Background(), StepDiff, "<x/>"); err == nil {
		t.Error("closed session accepted an RPC")
	}
}

type blockingConn struct {
	unblock chan struct{}
}

func (c *blockingConn) Exec(...junos.RPCMethod) (*junos.RPCReply, error) {
	<-c.unblock
	return nil, errors.New("transport closed")
}

func TestReplyErrorSeverity(t *testing.T) {
	// A reply carrying only warnings must not fail the step.
	conn := &scriptedConn{replies: []scriptedReply{
		{warnings: []junos.RPCError{{Severity: "warning", Message: "statement ignored"}}},
	}}
	sess := fakeSession(conn)
	if err := sess.Lock(context.Background()); err != nil {
		t.Fatalf("Lock with warning reply: %v", err)
	}

	// An embedded severity=error fails it even when the transport
	// reported success.
	conn = &scriptedConn{replies: []scriptedReply{
		{warnings: []junos.RPCError{{Severity: "error", Message: "permission denied"}}},
	}}
	sess = fakeSession(conn)
	err := sess.Lock(context.Background())
	if !errors.Is(err, util.ErrData) {
		t.Errorf("Lock error = %v, want data kind", err)
	}
}

func assertCallOrder(t *testing.T, calls, want []string) {
	t.Helper()
	if len(calls) != len(want) {
		t.Fatalf("calls = %d (%v), want %d", len(calls), calls, len(want))
	}
	for i, prefix := range want {
		if !strings.HasPrefix(calls[i], prefix) {
			t.Errorf("call %d = %s, want prefix %s", i, calls[i], prefix)
		}
	}
}
