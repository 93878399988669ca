// Package inventory loads Ansible inventories (INI, YAML or a comma list of
// hosts), resolves host patterns and computes the variables a host ends up
// with after group_vars, host_vars and extra vars are layered on top.
//
// The proxy only needs the subset of Ansible's semantics that decides which
// hosts a play targets, how each is reached, and which variables travel with
// the host into its management disposable.
package inventory
