package rpc

import (
	"fmt"
	"strings"
)

// Service is a qrexec service the proxy invokes or grants. The set is closed;
// names coming from outside are resolved with ParseService.
type Service int

const (
	ServiceFilecopy Service = iota + 1
	ServiceWaitForSession
	ServiceVMShell
	ServiceVMRootShell
	ServiceAdminVMList
	ServiceAnsibleVM
)

var serviceNames = map[Service]string{
	ServiceFilecopy:       "qubes.Filecopy",
	ServiceWaitForSession: "qubes.WaitForSession",
	ServiceVMShell:        "qubes.VMShell",
	ServiceVMRootShell:    "qubes.VMRootShell",
	ServiceAdminVMList:    "admin.vm.List",
	ServiceAnsibleVM:      "qubes.AnsibleVM",
}

// UnknownServiceError is returned for service names outside the closed set.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown qrexec service %q", e.Name)
}

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Service(%d)", int(s))
}

// Valid reports whether s is one of the declared services.
func (s Service) Valid() bool {
	_, ok := serviceNames[s]
	return ok
}

// Administrative reports whether s is an admin API call. Those are always
// scoped to the control point rather than to the target VM.
func (s Service) Administrative() bool {
	return strings.HasPrefix(s.String(), "admin.")
}

// ParseService resolves a qrexec service name.
func ParseService(name string) (Service, error) {
	for s, n := range serviceNames {
		if n == name {
			return s, nil
		}
	}
	return 0, &UnknownServiceError{Name: name}
}

// SessionServices lists the calls a management disposable makes while
// running a play against its target.
func SessionServices() []Service {
	return []Service{
		ServiceFilecopy,
		ServiceWaitForSession,
		ServiceVMShell,
		ServiceVMRootShell,
		ServiceAdminVMList,
	}
}
