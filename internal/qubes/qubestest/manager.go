// Package qubestest provides an in-memory qubes.Manager for tests.
package qubestest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/qubes-proxy/internal/qubes"
)

// ServiceFunc answers a qrexec call made through Manager.RunService.
type ServiceFunc func(domain string, call qubes.ServiceCall) (qubes.ServiceResult, error)

// Manager is a qubes.Manager backed by maps. Disposables created with the
// auto_cleanup pref set to True disappear when they are shut down or killed,
// as they do on a real system.
type Manager struct {
	mu       sync.Mutex
	domains  map[string]*qubes.Domain
	features map[string]map[string]string
	prefs    map[string]map[string]string
	failures map[string]error
	stuck    map[string]bool
	calls    []string
	services ServiceFunc
}

var _ qubes.Manager = (*Manager)(nil)

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		domains:  make(map[string]*qubes.Domain),
		features: make(map[string]map[string]string),
		prefs:    make(map[string]map[string]string),
		failures: make(map[string]error),
		stuck:    make(map[string]bool),
	}
}

// Add registers a domain.
func (m *Manager) Add(d qubes.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.State == "" {
		d.State = qubes.StateHalted
	}
	m.domains[d.Name] = &d
}

// Domain returns the current snapshot of name.
func (m *Manager) Domain(name string) (qubes.Domain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[name]
	if !ok {
		return qubes.Domain{}, false
	}
	return *d, true
}

// Feature returns a feature value set on name.
func (m *Manager) Feature(name, feature string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.features[name][feature]
	return v, ok
}

// Pref returns a pref value set on name.
func (m *Manager) Pref(name, pref string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.prefs[name][pref]
	return v, ok
}

// Fail makes operation op (the Manager method name) on domain name return err.
func (m *Manager) Fail(op, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+" "+name] = err
}

// IgnoreShutdown makes Shutdown of name succeed without halting it.
func (m *Manager) IgnoreShutdown(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck[name] = true
}

// HandleServices installs the qrexec responder.
func (m *Manager) HandleServices(fn ServiceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = fn
}

// Calls returns the recorded operations as "Op name" strings, in order.
func (m *Manager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Names returns the registered domain names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.domains))
	for n := range m.domains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Lookup(_ context.Context, name string) (qubes.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.enter("Lookup", name)
	if err != nil {
		return qubes.Domain{}, err
	}
	return *d, nil
}

func (m *Manager) State(_ context.Context, name string) (qubes.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["State "+name]; err != nil {
		return qubes.StateUnknown, err
	}
	d, ok := m.domains[name]
	if !ok {
		return qubes.StateUnknown, fmt.Errorf("%s: %w", name, qubes.ErrNotFound)
	}
	return d.State, nil
}

func (m *Manager) Create(_ context.Context, spec qubes.CreateSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Create "+spec.Name)
	if err := m.failures["Create "+spec.Name]; err != nil {
		return err
	}
	if _, ok := m.domains[spec.Name]; ok {
		return fmt.Errorf("domain %s already exists", spec.Name)
	}
	if _, ok := m.domains[spec.Template]; spec.Template != "" && !ok {
		return fmt.Errorf("template %s: %w", spec.Template, qubes.ErrNotFound)
	}
	m.domains[spec.Name] = &qubes.Domain{
		Name:  spec.Name,
		Class: spec.Class,
		Label: spec.Label,
		State: qubes.StateHalted,
	}
	return nil
}

func (m *Manager) Start(_ context.Context, name string) error {
	return m.transition("Start", name, qubes.StateRunning)
}

func (m *Manager) Shutdown(_ context.Context, name string) error {
	m.mu.Lock()
	stuck := m.stuck[name]
	m.mu.Unlock()
	if stuck {
		return m.transition("Shutdown", name, "")
	}
	return m.transition("Shutdown", name, qubes.StateHalted)
}

func (m *Manager) Kill(_ context.Context, name string) error {
	return m.transition("Kill", name, qubes.StateHalted)
}

func (m *Manager) Pause(_ context.Context, name string) error {
	return m.transition("Pause", name, qubes.StatePaused)
}

func (m *Manager) Unpause(_ context.Context, name string) error {
	return m.transition("Unpause", name, qubes.StateRunning)
}

func (m *Manager) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("Remove", name); err != nil {
		return err
	}
	delete(m.domains, name)
	return nil
}

func (m *Manager) SetFeature(_ context.Context, name, feature, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("SetFeature", name); err != nil {
		return err
	}
	if m.features[name] == nil {
		m.features[name] = make(map[string]string)
	}
	m.features[name][feature] = value
	return nil
}

func (m *Manager) SetPref(_ context.Context, name, pref, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("SetPref", name); err != nil {
		return err
	}
	if m.prefs[name] == nil {
		m.prefs[name] = make(map[string]string)
	}
	m.prefs[name][pref] = value
	return nil
}

func (m *Manager) RunService(_ context.Context, name string, call qubes.ServiceCall) (qubes.ServiceResult, error) {
	m.mu.Lock()
	d, err := m.enter("RunService", name)
	if err == nil && d.State != qubes.StateRunning {
		err = fmt.Errorf("%s is not running", name)
	}
	fn := m.services
	m.mu.Unlock()
	if err != nil {
		return qubes.ServiceResult{}, err
	}
	if fn == nil {
		return qubes.ServiceResult{}, nil
	}
	return fn(name, call)
}

// transition moves name to state; an empty state records the call only.
func (m *Manager) transition(op, name string, state qubes.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.enter(op, name)
	if err != nil {
		return err
	}
	if state == "" {
		return nil
	}
	d.State = state
	if state == qubes.StateHalted && m.prefs[name]["auto_cleanup"] == "True" {
		delete(m.domains, name)
		delete(m.features, name)
		delete(m.prefs, name)
	}
	return nil
}

// enter records op and resolves name. The caller holds m.mu.
func (m *Manager) enter(op, name string) (*qubes.Domain, error) {
	m.calls = append(m.calls, op+" "+name)
	if err := m.failures[op+" "+name]; err != nil {
		return nil, err
	}
	d, ok := m.domains[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, qubes.ErrNotFound)
	}
	return d, nil
}
