// Package workunit assembles what one host's management disposable needs to
// run its slice of a play: the rewritten play, the roles it uses, the host's
// merged variables and a minimal inventory.
package workunit

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/qubes-proxy/internal/inventory"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
)

// Unit is the self-contained work for one host. It is built per session and
// never shared.
type Unit struct {
	Host      string
	PlayName  string
	Playbook  []byte
	Roles     []playbook.Role
	HostVars  map[string]any
	Groups    []string
	Inventory []byte
}

// Builder builds Units against one inventory.
type Builder struct {
	Inventory *inventory.Inventory
	Roles     playbook.RoleResolver
	ExtraVars map[string]any
}

// Build produces the Unit for host. The play is rewritten to target only
// host with the linear strategy, and run-time variables are dropped from the
// host's vars.
func (b *Builder) Build(play *playbook.Play, host string) (*Unit, error) {
	if b.Inventory == nil {
		return nil, fmt.Errorf("work unit for %s: no inventory", host)
	}

	pb, err := play.ForHost(host)
	if err != nil {
		return nil, fmt.Errorf("work unit for %s: %w", host, err)
	}

	roles, err := b.Roles.Resolve(play)
	if err != nil {
		return nil, fmt.Errorf("work unit for %s: %w", host, err)
	}

	vars, err := b.Inventory.Vars(host, b.ExtraVars)
	if err != nil {
		return nil, fmt.Errorf("work unit for %s: %w", host, err)
	}

	groups := b.Inventory.Groups(host)
	return &Unit{
		Host:      host,
		PlayName:  play.DisplayName(),
		Playbook:  pb,
		Roles:     roles,
		HostVars:  inventory.FilterMagic(vars),
		Groups:    groups,
		Inventory: inventory.RenderINI(host, groups),
	}, nil
}

// HostVarsYAML renders HostVars. ok is false when there is nothing to write.
func (u *Unit) HostVarsYAML() (data []byte, ok bool, err error) {
	if len(u.HostVars) == 0 {
		return nil, false, nil
	}
	data, err = yaml.Marshal(u.HostVars)
	if err != nil {
		return nil, false, fmt.Errorf("render host vars for %s: %w", u.Host, err)
	}
	return data, true, nil
}
