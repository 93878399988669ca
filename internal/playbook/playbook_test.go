package playbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const site = `
- name: configure appvms
  hosts: appvms
  strategy: qubes_proxy
  gather_facts: false
  roles:
    - common
    - role: mail
      vars:
        port: 25
  tasks:
    - name: ping
      ansible.builtin.ping:

- hosts:
    - dom0
    - localhost
  tasks: []
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "site.yml"), site)

	pb, err := Load(filepath.Join(dir, "site.yml"))
	require.NoError(t, err)
	require.Len(t, pb.Plays, 2)

	assert.Equal(t, "configure appvms", pb.Plays[0].Name)
	assert.Equal(t, "appvms", pb.Plays[0].Hosts)
	assert.Equal(t, []string{"common", "mail"}, pb.Plays[0].Roles)
	assert.Equal(t, "dom0,localhost", pb.Plays[1].Hosts)
	assert.Equal(t, "dom0,localhost", pb.Plays[1].DisplayName())
	assert.Equal(t, 1, pb.Plays[1].Index)
	assert.Equal(t, dir, pb.Dir())
}

func TestLoadImportPlaybook(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "mail.yml"), "- hosts: mail\n  tasks: []\n")
	writeFile(t, filepath.Join(dir, "site.yml"), "- import_playbook: sub/mail.yml\n- hosts: work\n  tasks: []\n")

	pb, err := Load(filepath.Join(dir, "site.yml"))
	require.NoError(t, err)
	require.Len(t, pb.Plays, 2)
	assert.Equal(t, "mail", pb.Plays[0].Hosts)
	assert.Equal(t, filepath.Join(dir, "sub"), pb.Plays[0].Dir)
	assert.Equal(t, "work", pb.Plays[1].Hosts)
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]string{
		"not a list":  "hosts: all\n",
		"no hosts":    "- name: x\n  tasks: []\n",
		"scalar play": "- just a string\n",
		"bad roles":   "- hosts: all\n  roles: common\n",
		"empty":       "",
		"broken yaml": "- hosts: [all\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "site.yml"), content)
			_, err := Load(filepath.Join(dir, "site.yml"))
			assert.Error(t, err)
		})
	}
}

func TestForHostRewritesHostsAndStrategy(t *testing.T) {
	pb, err := Parse([]byte(site), t.TempDir())
	require.NoError(t, err)

	out, err := pb.Plays[0].ForHost("work")
	require.NoError(t, err)

	var plays []map[string]any
	require.NoError(t, yaml.Unmarshal(out, &plays))
	require.Len(t, plays, 1)
	assert.Equal(t, []any{"work"}, plays[0]["hosts"])
	assert.Equal(t, "linear", plays[0]["strategy"])
	assert.Equal(t, "configure appvms", plays[0]["name"])
	assert.Equal(t, false, plays[0]["gather_facts"])
	assert.Len(t, plays[0]["roles"], 2)

	again, err := pb.Plays[0].ForHost("mail")
	require.NoError(t, err)
	assert.Contains(t, string(again), "- mail")
	assert.NotContains(t, string(again), "- work")
}

func TestRewriteAddsStrategyWhenMissing(t *testing.T) {
	pb, err := Parse([]byte(site), t.TempDir())
	require.NoError(t, err)

	out, err := pb.Plays[1].Rewrite([]string{"dom0", "localhost"})
	require.NoError(t, err)

	var plays []map[string]any
	require.NoError(t, yaml.Unmarshal(out, &plays))
	assert.Equal(t, []any{"dom0", "localhost"}, plays[0]["hosts"])
	assert.Equal(t, "linear", plays[0]["strategy"])
}

func TestResolveRolesWithDependencies(t *testing.T) {
	dir := t.TempDir()
	shared := t.TempDir()
	writeFile(t, filepath.Join(dir, "roles", "common", "tasks", "main.yml"), "[]\n")
	writeFile(t, filepath.Join(dir, "roles", "mail", "meta", "main.yml"), "dependencies:\n  - common\n  - role: tls\n")
	writeFile(t, filepath.Join(dir, "roles", "mail", "tasks", "main.yml"), "[]\n")
	writeFile(t, filepath.Join(shared, "tls", "tasks", "main.yml"), "[]\n")
	writeFile(t, filepath.Join(dir, "site.yml"), site)

	pb, err := Load(filepath.Join(dir, "site.yml"))
	require.NoError(t, err)

	roles, err := RoleResolver{SearchPaths: []string{shared}}.Resolve(pb.Plays[0])
	require.NoError(t, err)

	var names []string
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"common", "mail", "tls"}, names)
	assert.Equal(t, filepath.Join(shared, "tls"), roles[2].Path)
}

func TestResolveRolesMissing(t *testing.T) {
	pb, err := Parse([]byte(site), t.TempDir())
	require.NoError(t, err)

	_, err = RoleResolver{}.Resolve(pb.Plays[0])
	assert.ErrorContains(t, err, "role common not found")
}
