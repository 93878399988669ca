// Package qubes is the proxy's view of the Qubes VM manager: domain lookup,
// power-state control, features, preferences and qrexec service calls.
//
// Manager is the seam the rest of the proxy depends on. Qvm implements it
// on top of the qvm-* command line tools; qubestest provides an in-memory
// implementation for tests.
package qubes
