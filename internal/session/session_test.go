package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
	"github.com/mattjoyce/qubes-proxy/internal/policy"
	"github.com/mattjoyce/qubes-proxy/internal/qubes"
	"github.com/mattjoyce/qubes-proxy/internal/qubes/qubestest"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
	"github.com/mattjoyce/qubes-proxy/internal/workspace"
	"github.com/mattjoyce/qubes-proxy/internal/workunit"
)

type staticUnits struct{}

func (staticUnits) Build(play *playbook.Play, host string) (*workunit.Unit, error) {
	pb, err := play.ForHost(host)
	if err != nil {
		return nil, err
	}
	return &workunit.Unit{
		Host:      host,
		PlayName:  play.DisplayName(),
		Playbook:  pb,
		HostVars:  map[string]any{"app_port": 8080},
		Inventory: []byte("[appvms]\n" + host + "\n"),
	}, nil
}

type failingRevoke struct {
	*policy.Store
}

func (f failingRevoke) Revoke(context.Context, string, string) error {
	return errors.New("policy file is read-only")
}

type fixture struct {
	vms      *qubestest.Manager
	policy   *policy.Store
	wsDir    string
	runner   *Runner
	play     *playbook.Play
	payloads []rpc.Payload
	granted  []bool
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	vms := qubestest.New()
	vms.Add(qubes.Domain{Name: "work", Class: "AppVM", State: qubes.StateRunning, ManagementDispVM: "default-mgmt-dvm"})
	vms.Add(qubes.Domain{Name: "default-mgmt-dvm", Class: "AppVM", Label: "black", State: qubes.StateHalted})

	store, err := policy.New(policy.Config{
		IncludeFile:    filepath.Join(dir, "policy", "include", "qubes-ansible"),
		CapabilityFile: filepath.Join(dir, "policy", "30-qubes-ansible.policy"),
		ControlPoint:   "dom0",
	}, log.Discard())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "policy", "include"), 0o755))

	wsDir := filepath.Join(dir, "workspaces")
	wsMgr, err := workspace.NewFSManager(wsDir, "")
	require.NoError(t, err)

	pb, err := playbook.Parse([]byte("- name: base\n  hosts: appvms\n  tasks: []\n"), dir)
	require.NoError(t, err)

	f := &fixture{vms: vms, policy: store, wsDir: wsDir, play: pb.Plays[0]}
	f.runner = NewRunner(Config{
		Prefix:          "disp-mgmt-",
		MaxNameLength:   31,
		Class:           "DispVM",
		ControlPoint:    "dom0",
		PollInterval:    time.Millisecond,
		StartTimeout:    time.Second,
		ShutdownTimeout: 50 * time.Millisecond,
		LockDir:         filepath.Join(dir, "locks"),
		QfileAgent:      "/usr/lib/qubes/qfile-dom0-agent",
		Options:         rpc.Options{Verbosity: 2, Check: true},
	}, vms, store, wsMgr, staticUnits{}, log.Discard())
	f.runner.sleep = func(context.Context, time.Duration) {}

	vms.HandleServices(f.respond(0, nil))
	return f
}

// respond answers Filecopy with success and AnsibleVM with code and err,
// recording the payload and whether the grant was present at that time.
func (f *fixture) respond(code int, execErr error) qubestest.ServiceFunc {
	return func(domain string, call qubes.ServiceCall) (qubes.ServiceResult, error) {
		if call.Service == rpc.ServiceFilecopy {
			return qubes.ServiceResult{}, nil
		}
		p, err := rpc.DecodePayload(call.Stdin)
		if err != nil {
			return qubes.ServiceResult{}, err
		}
		ok, _ := f.policy.Granted(domain, p.Host)
		f.mu.Lock()
		f.payloads = append(f.payloads, p)
		f.granted = append(f.granted, ok)
		f.mu.Unlock()
		return qubes.ServiceResult{
			Stdout:   []byte("\x1b[0;32mok: [" + p.Host + "]\x1b[0m\x1b]0;title\a"),
			Stderr:   []byte("warn\x00"),
			ExitCode: code,
		}, execErr
	}
}

func (f *fixture) assertNoLeaks(t *testing.T, sandbox, host string) {
	t.Helper()
	ok, err := f.policy.Granted(sandbox, host)
	require.NoError(t, err)
	assert.False(t, ok, "grant for %s leaked", sandbox)

	entries, err := os.ReadDir(f.wsDir)
	if !os.IsNotExist(err) {
		require.NoError(t, err)
		assert.Empty(t, entries, "workspace leftovers")
	}
}

func TestRunHostCreatesAndTearsDownSandbox(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)

	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "disp-mgmt-work", res.Sandbox)
	assert.Equal(t, "base", res.WorkUnit)
	assert.Len(t, res.Digest, 64)
	assert.Equal(t, "\x1b[0;32mok: [work]\x1b[0m_]0;title\a", res.Stdout)
	assert.Equal(t, "warn_", res.Stderr)

	require.Len(t, f.payloads, 1)
	assert.True(t, f.granted[0], "grant must exist while the work unit runs")
	assert.True(t, strings.HasSuffix(f.payloads[0].Archive, ".tar"))
	assert.NotContains(t, f.payloads[0].Archive, "/")
	assert.Equal(t, "work", f.payloads[0].Host)
	assert.Equal(t, []string{"-vv", "--check"}, f.payloads[0].Args)

	_, exists := f.vms.Domain("disp-mgmt-work")
	assert.False(t, exists, "auto-cleanup disposable should be gone after shutdown")
	assert.Contains(t, f.vms.Calls(), "Create disp-mgmt-work")
	assert.Contains(t, f.vms.Calls(), "Shutdown disp-mgmt-work")
	f.assertNoLeaks(t, "disp-mgmt-work", "work")
}

func TestRunHostConfiguresNewSandbox(t *testing.T) {
	f := newFixture(t)

	var features, prefs map[string]string
	f.vms.HandleServices(func(domain string, call qubes.ServiceCall) (qubes.ServiceResult, error) {
		features = map[string]string{}
		prefs = map[string]string{}
		for _, k := range []string{"internal", "gui"} {
			features[k], _ = f.vms.Feature(domain, k)
		}
		for _, k := range []string{"netvm", "auto_cleanup"} {
			prefs[k], _ = f.vms.Pref(domain, k)
		}
		if call.Stdin != nil {
			_, _ = io.Copy(io.Discard, call.Stdin)
		}
		return qubes.ServiceResult{}, nil
	})

	_, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"internal": "1", "gui": ""}, features)
	assert.Equal(t, map[string]string{"netvm": "", "auto_cleanup": "True"}, prefs)
}

func TestRunHostLeavesRunningSandboxRunning(t *testing.T) {
	f := newFixture(t)
	f.vms.Add(qubes.Domain{Name: "disp-mgmt-work", Class: "DispVM", State: qubes.StateRunning})

	_, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)

	d, ok := f.vms.Domain("disp-mgmt-work")
	require.True(t, ok)
	assert.Equal(t, qubes.StateRunning, d.State)
	assert.NotContains(t, f.vms.Calls(), "Shutdown disp-mgmt-work")
	assert.NotContains(t, f.vms.Calls(), "Create disp-mgmt-work")
	f.assertNoLeaks(t, "disp-mgmt-work", "work")
}

func TestRunHostRestoresHaltedSandbox(t *testing.T) {
	f := newFixture(t)
	f.vms.Add(qubes.Domain{Name: "disp-mgmt-work", Class: "DispVM", State: qubes.StateHalted})

	_, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)

	d, ok := f.vms.Domain("disp-mgmt-work")
	require.True(t, ok)
	assert.Equal(t, qubes.StateHalted, d.State)
	assert.Contains(t, f.vms.Calls(), "Start disp-mgmt-work")
}

func TestRunHostRemoteFailureIsAResult(t *testing.T) {
	f := newFixture(t)
	f.vms.HandleServices(f.respond(2, nil))

	res, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Code)
	f.assertNoLeaks(t, "disp-mgmt-work", "work")
}

func TestRunHostUnknownHost(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.RunHost(context.Background(), f.play, "ghost")

	var resErr *HostResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "ghost", resErr.Host)
	assert.ErrorIs(t, err, qubes.ErrNotFound)
	assert.Equal(t, []string{"Lookup ghost"}, f.vms.Calls())
	f.assertNoLeaks(t, "disp-mgmt-ghost", "ghost")
}

func TestRunHostTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.vms.HandleServices(func(domain string, call qubes.ServiceCall) (qubes.ServiceResult, error) {
		if call.Service == rpc.ServiceFilecopy {
			return qubes.ServiceResult{ExitCode: 1, Stderr: []byte("no space left\n")}, nil
		}
		t.Errorf("work unit must not run after a failed transfer")
		return qubes.ServiceResult{}, nil
	})

	_, err := f.runner.RunHost(context.Background(), f.play, "work")

	var trErr *TransferError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, 1, trErr.Code)
	assert.Contains(t, err.Error(), "no space left")
	code, ok := ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 1, code)

	_, exists := f.vms.Domain("disp-mgmt-work")
	assert.False(t, exists)
	f.assertNoLeaks(t, "disp-mgmt-work", "work")
}

func TestRunHostExecutionTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.vms.HandleServices(f.respond(0, errors.New("qrexec: connection reset")))

	res, err := f.runner.RunHost(context.Background(), f.play, "work")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	_, ok := ExitCode(err)
	assert.False(t, ok)
	assert.NotEmpty(t, res.Stdout, "output gathered before the failure is kept")
	f.assertNoLeaks(t, "disp-mgmt-work", "work")
}

func TestRunHostStartFailureStillCleansUp(t *testing.T) {
	f := newFixture(t)
	f.vms.Add(qubes.Domain{Name: "disp-mgmt-work", Class: "DispVM", State: qubes.StateHalted})
	f.vms.Fail("Start", "disp-mgmt-work", errors.New("not enough memory"))

	_, err := f.runner.RunHost(context.Background(), f.play, "work")

	var lcErr *SandboxLifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "start", lcErr.Op)
	f.assertNoLeaks(t, "disp-mgmt-work", "work")
}

func TestRunHostRemovesHalfConfiguredSandbox(t *testing.T) {
	f := newFixture(t)
	f.vms.Fail("SetPref", "disp-mgmt-work", errors.New("qvm-prefs failed"))

	_, err := f.runner.RunHost(context.Background(), f.play, "work")
	var lcErr *SandboxLifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "configure netvm", lcErr.Op)
	_, exists := f.vms.Domain("disp-mgmt-work")
	assert.False(t, exists, "half-configured sandbox left behind")
	f.assertNoLeaks(t, "disp-mgmt-work", "work")

	// The next round creates and configures a fresh sandbox.
	f.vms.Fail("SetPref", "disp-mgmt-work", nil)
	res, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)

	var creates, netvm int
	for _, c := range f.vms.Calls() {
		switch c {
		case "Create disp-mgmt-work":
			creates++
		case "SetPref disp-mgmt-work":
			netvm++
		}
	}
	assert.Equal(t, 2, creates)
	assert.Equal(t, 3, netvm, "failed netvm, then netvm and auto_cleanup")
}

func TestRunHostKillsSandboxThatIgnoresShutdown(t *testing.T) {
	f := newFixture(t)
	f.vms.Add(qubes.Domain{Name: "disp-mgmt-work", Class: "DispVM", State: qubes.StateHalted})
	f.vms.IgnoreShutdown("disp-mgmt-work")
	f.runner.cfg.ShutdownTimeout = 10 * time.Millisecond

	_, err := f.runner.RunHost(context.Background(), f.play, "work")
	require.NoError(t, err)

	d, ok := f.vms.Domain("disp-mgmt-work")
	require.True(t, ok)
	assert.Equal(t, qubes.StateHalted, d.State)
	assert.Contains(t, f.vms.Calls(), "Kill disp-mgmt-work")
}

func TestRunHostCleanupFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.runner.policy = failingRevoke{f.policy}

	res, err := f.runner.RunHost(context.Background(), f.play, "work")

	var cErr *CleanupError
	require.ErrorAs(t, err, &cErr)
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, 0, res.Code)

	_, exists := f.vms.Domain("disp-mgmt-work")
	assert.False(t, exists, "sandbox is halted even when revoke fails")
	entries, _ := os.ReadDir(f.wsDir)
	assert.Empty(t, entries)
}

func TestRunHostSerializesSameSandbox(t *testing.T) {
	f := newFixture(t)
	f.vms.Add(qubes.Domain{Name: "disp-mgmt-work", Class: "DispVM", State: qubes.StateRunning})

	var active, peak int
	var mu sync.Mutex
	f.vms.HandleServices(func(domain string, call qubes.ServiceCall) (qubes.ServiceResult, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return qubes.ServiceResult{}, nil
	})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.runner.RunHost(context.Background(), f.play, "work")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestSandboxName(t *testing.T) {
	assert.Equal(t, "disp-mgmt-work", SandboxName("disp-mgmt-", 31, "work"))
	assert.Equal(t, "disp-mgmt-a-very-long-host-name", SandboxName("disp-mgmt-", 31, "a-very-long-host-name-indeed"))
	assert.Len(t, SandboxName("disp-mgmt-", 31, strings.Repeat("x", 64)), 31)
	assert.Equal(t, "disp-mgmt-x", SandboxName("disp-mgmt-", 0, "x"))
}

func TestExitCode(t *testing.T) {
	_, ok := ExitCode(errors.New("plain"))
	assert.False(t, ok)

	code, ok := ExitCode(errors.Join(&ExecutionError{Code: 4, Err: io.ErrUnexpectedEOF}, &CleanupError{Host: "h"}))
	assert.True(t, ok)
	assert.Equal(t, 4, code)
}
