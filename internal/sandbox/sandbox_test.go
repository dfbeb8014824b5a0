package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

func newTestHost(t *testing.T) (Host, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.New(eventlog.NewMemoryStore())
	require.NoError(t, err)
	return Host{
		Events:      log,
		ScratchRoot: t.TempDir(),
		Secrets:     MapSecrets{"token": "s3cret"},
		SourceControl: CollaboratorFunc(func(_ context.Context, op string, _ map[string]any) (CallResult, error) {
			return CallResult{Success: true, Payload: map[string]any{"op": op}}, nil
		}),
	}, log
}

func TestEmptyGrantSetDeniesEveryCapabilityWithoutSideEffects(t *testing.T) {
	host, log := newTestHost(t)
	sb := New(host, nil, Scope{Plugin: "p", RunID: "r1"})
	ctx := context.Background()

	_, err := sb.HTTPClient()
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.FS()
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.Exec(ctx, Command{Name: "true"})
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.ReadEvents(ctx, eventlog.Filter{})
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.AppendEvent(ctx, "PLUGIN.NOTE", nil, nil)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.SourceControl(ctx, "clone", nil)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.AIProvider(ctx, "complete", nil)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	_, err = sb.Secret(ctx, "token")
	assert.ErrorIs(t, err, ErrCapabilityDenied)

	var denied *CapabilityDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, CapSecrets, denied.Capability)
	assert.Equal(t, "p", denied.Plugin)
	assert.Len(t, sb.Denials(), len(All()))

	_, statErr := os.Stat(sb.ScratchDir())
	assert.True(t, os.IsNotExist(statErr), "scratch dir must not be created")
	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, head)
	require.NoError(t, sb.Close())
}

func TestCapabilitiesAreCheckedOnlyWhenUsed(t *testing.T) {
	host, _ := newTestHost(t)
	sb := New(host, []Capability{CapSecrets}, Scope{Plugin: "p"})
	value, err := sb.Secret(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)
	assert.Empty(t, sb.Denials())
}

func TestAppendEventForcesScopeTags(t *testing.T) {
	host, log := newTestHost(t)
	sb := New(host, []Capability{CapEventsWrite, CapEventsRead}, Scope{Plugin: "lint", RunID: "r9", IssueID: "42", WorkflowVersion: "1.0.0"})
	ctx := context.Background()

	ev, err := sb.AppendEvent(ctx, "LINT.REPORTED", map[string]string{"plugin": "spoofed", "file": "a.go"}, map[string]any{"warnings": 2})
	require.NoError(t, err)
	assert.Equal(t, "lint", ev.Tags["plugin"])
	assert.Equal(t, "r9", ev.Tags["run"])
	assert.Equal(t, "42", ev.Tags["issue"])
	assert.Equal(t, eventlog.OriginPlugin, ev.Metadata.EventSource)

	got, err := sb.ReadEvents(ctx, eventlog.ByTag("file", "a.go"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)

	_, err = log.Append(ctx, eventlog.Event{Type: "bad type"})
	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)
}

func TestEgressDeniesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, _ := newTestHost(t)
	sb := New(host, []Capability{CapNetwork}, Scope{Plugin: "fetch"})
	defer sb.Close()
	client, err := sb.HTTPClient()
	require.NoError(t, err)

	_, err = client.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEgressDenied)
}

func TestEgressAllowListReachesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	host, _ := newTestHost(t)
	host.Egress = EgressPolicy{AllowCIDRs: []string{"127.0.0.1"}}
	sb := New(host, []Capability{CapNetwork}, Scope{Plugin: "fetch"})
	defer sb.Close()
	client, err := sb.HTTPClient()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestCloseRevokesIssuedHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	host, _ := newTestHost(t)
	host.Egress = EgressPolicy{AllowCIDRs: []string{"127.0.0.1"}}
	sb := New(host, []Capability{CapNetwork}, Scope{Plugin: "fetch"})
	client, err := sb.HTTPClient()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, sb.Close())
	_, err = client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEgressHostAllowList(t *testing.T) {
	guard, err := newEgressGuard(EgressPolicy{AllowHosts: []string{"*.github.com", "api.example.org"}})
	require.NoError(t, err)
	assert.NoError(t, guard.checkHost("api.github.com"))
	assert.NoError(t, guard.checkHost("API.EXAMPLE.ORG"))
	assert.ErrorIs(t, guard.checkHost("evil.test"), ErrEgressDenied)

	_, err = newEgressGuard(EgressPolicy{AllowCIDRs: []string{"not-a-cidr"}})
	assert.Error(t, err)
}

func TestFilesystemStaysInsideScratch(t *testing.T) {
	host, _ := newTestHost(t)
	sb := New(host, []Capability{CapFilesystem}, Scope{Plugin: "fmt", RunID: "../../etc"})
	fsys, err := sb.FS()
	require.NoError(t, err)
	assert.Contains(t, fsys.Dir(), host.ScratchRoot)

	require.NoError(t, fsys.WriteFile("nested/dir/out.txt", []byte("hello"), 0o644))
	data, err := fsys.ReadFile("nested/dir/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := fsys.List("nested/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.txt", entries[0].Name())

	_, err = fsys.ReadFile("../../../../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, fsys.WriteFile("../escape.txt", []byte("x"), 0o644))

	dir := fsys.Dir()
	require.NoError(t, sb.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, sb.Close())

	_, err = sb.FS()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecCapturesOutputAndKillsOnTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	host, _ := newTestHost(t)
	host.Exec = ExecLimits{Timeout: 300 * time.Millisecond, MaxOutputBytes: 4}
	sb := New(host, []Capability{CapExec}, Scope{Plugin: "sh", RunID: "r1"})
	defer sb.Close()
	ctx := context.Background()

	res, err := sb.Exec(ctx, Command{Name: "/bin/sh", Args: []string{"-c", "printf hello-world; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hell", string(res.Stdout))
	assert.True(t, res.Truncated)

	started := time.Now()
	res, err = sb.Exec(ctx, Command{Name: "/bin/sh", Args: []string{"-c", "sleep 30 & sleep 30"}})
	require.Error(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestExecRespectsAllowedCommands(t *testing.T) {
	host, _ := newTestHost(t)
	host.Exec = ExecLimits{AllowedCommands: []string{"git"}}
	sb := New(host, []Capability{CapExec}, Scope{Plugin: "p"})
	defer sb.Close()
	_, err := sb.Exec(context.Background(), Command{Name: "/bin/rm", Args: []string{"-rf", "/"}})
	assert.ErrorContains(t, err, "not allowed")
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability(" Events:Read ")
	require.NoError(t, err)
	assert.Equal(t, CapEventsRead, c)
	_, err = ParseCapability("root")
	assert.Error(t, err)

	set := NewSet(CapExec, CapNetwork)
	assert.Equal(t, []Capability{CapFilesystem, CapSecrets}, set.Missing([]Capability{CapSecrets, CapExec, CapFilesystem}))
	assert.Equal(t, []string{"exec", "network"}, set.Strings())
}
