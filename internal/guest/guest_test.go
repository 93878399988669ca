package guest

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
)

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./" + name, Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func fakeAnsible(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ansible-playbook")
	script := "#!/bin/sh\n" +
		"echo \"args: $*\"\n" +
		"cat playbook.yaml\n" +
		"exit " + code + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newHandler(t *testing.T, code string) (*Handler, string, *bytes.Buffer) {
	t.Helper()
	incoming := t.TempDir()
	var stdout bytes.Buffer
	h, err := New(Config{
		IncomingDir: incoming,
		WorkDir:     t.TempDir(),
		Binary:      fakeAnsible(t, code),
		Stdout:      &stdout,
		Stderr:      &bytes.Buffer{},
	}, log.Discard())
	require.NoError(t, err)
	return h, incoming, &stdout
}

func payload(t *testing.T, p rpc.Payload) *bytes.Reader {
	t.Helper()
	data, err := p.Encode()
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestServeRunsWorkUnit(t *testing.T) {
	h, incoming, stdout := newHandler(t, "0")
	writeArchive(t, filepath.Join(incoming, "qubes-ansible-1.tar"), map[string]string{
		"playbook.yaml": "- hosts: [work]\n",
		"inventory":     "[appvms]\nwork\n",
	})

	code, err := h.Serve(context.Background(), payload(t, rpc.Payload{
		Archive: "qubes-ansible-1.tar",
		Host:    "work",
		Args:    []string{"-vv", "-t", "web", "--check"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "args: -i inventory -l work -vv -t web --check playbook.yaml")
	assert.Contains(t, stdout.String(), "- hosts: [work]")

	_, err = os.Stat(filepath.Join(incoming, "qubes-ansible-1.tar"))
	assert.True(t, os.IsNotExist(err), "archive should be removed")
}

func TestServeReturnsExitCode(t *testing.T) {
	h, incoming, _ := newHandler(t, "2")
	writeArchive(t, filepath.Join(incoming, "a.tar"), map[string]string{"playbook.yaml": "[]\n"})

	code, err := h.Serve(context.Background(), payload(t, rpc.Payload{Archive: "a.tar", Host: "work"}))
	require.NoError(t, err)
	assert.Equal(t, 2, code)
}

func TestServeRejectsBadPayloads(t *testing.T) {
	h, _, _ := newHandler(t, "0")

	tests := map[string]string{
		"path in archive name": "../etc/passwd.tar\nwork\n",
		"stray argument":       "a.tar\nwork\n--check\nplaybook.yml\n",
		"missing host":         "a.tar\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.Serve(context.Background(), strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestServeMissingArchive(t *testing.T) {
	h, _, _ := newHandler(t, "0")
	_, err := h.Serve(context.Background(), payload(t, rpc.Payload{Archive: "gone.tar", Host: "work"}))
	assert.ErrorContains(t, err, "open archive")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/QubesIncoming/dom0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "QubesIncoming", "dom0"), got)

	got, err = expandHome("/var/tmp")
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp", got)
}
