package localexec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qubes-proxy/internal/dispatch"
	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
)

// fakeAnsible writes a script that prints its arguments and the playbook it
// was given, then exits with code.
func fakeAnsible(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ansible-playbook")
	script := "#!/bin/sh\n" +
		"echo \"args: $*\"\n" +
		"for last; do :; done\n" +
		"cat \"$last\"\n" +
		"echo oops >&2\n" +
		"exit " + code + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func loadPlay(t *testing.T) (*playbook.Play, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yml")
	require.NoError(t, os.WriteFile(path, []byte("- name: site\n  hosts: all\n  strategy: free\n  tasks: []\n"), 0o644))
	pb, err := playbook.Load(path)
	require.NoError(t, err)
	return pb.Plays[0], dir
}

func TestRunRewritesPlayAndForwardsFlags(t *testing.T) {
	play, dir := loadPlay(t)
	var stdout, stderr bytes.Buffer
	e := New(Config{
		Binary:    fakeAnsible(t, "0"),
		Inventory: "inventory.ini",
		ExtraVars: []string{"env=prod"},
		Options:   rpc.Options{Verbosity: 1, Diff: true},
		Stdout:    &stdout,
		Stderr:    &stderr,
	}, log.Discard())

	code, err := e.Run(context.Background(), dispatch.Request{Play: play, Hosts: []string{"dom0", "localhost"}})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	out := stdout.String()
	assert.Contains(t, out, "args: -i inventory.ini -e env=prod -v --diff "+dir)
	assert.Contains(t, out, "- dom0\n")
	assert.Contains(t, out, "- localhost\n")
	assert.Contains(t, out, "strategy: linear")
	assert.NotContains(t, out, "strategy: free")
	assert.Equal(t, "oops\n", stderr.String())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".qubes-proxy-"), "temporary playbook %s left behind", e.Name())
	}
}

func TestRunReturnsExitCode(t *testing.T) {
	play, _ := loadPlay(t)
	e := New(Config{Binary: fakeAnsible(t, "4"), Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}, log.Discard())

	code, err := e.Run(context.Background(), dispatch.Request{Play: play, Hosts: []string{"dom0"}})
	require.NoError(t, err)
	assert.Equal(t, 4, code)
}

func TestRunMissingBinary(t *testing.T) {
	play, _ := loadPlay(t)
	e := New(Config{Binary: filepath.Join(t.TempDir(), "nope")}, log.Discard())

	_, err := e.Run(context.Background(), dispatch.Request{Play: play, Hosts: []string{"dom0"}})
	assert.Error(t, err)
}

func TestRunNoHosts(t *testing.T) {
	play, _ := loadPlay(t)
	e := New(Config{Binary: "/nonexistent"}, log.Discard())

	code, err := e.Run(context.Background(), dispatch.Request{Play: play})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
