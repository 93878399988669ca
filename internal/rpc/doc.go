// Package rpc describes the qrexec surface used by the proxy: the closed set
// of services a management disposable is granted or asked to run, and the
// newline-delimited payload sent to qubes.AnsibleVM.
package rpc
