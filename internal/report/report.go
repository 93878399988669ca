// Package report renders dispatch results for the terminal.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/qubes-proxy/internal/dispatch"
	"github.com/mattjoyce/qubes-proxy/internal/session"
)

const bannerWidth = 80

// Theme holds every style used by the Printer.
type Theme struct {
	Banner lipgloss.Style
	Stdout lipgloss.Style
	Stderr lipgloss.Style
	OK     lipgloss.Style
	Failed lipgloss.Style
	Dim    lipgloss.Style
}

// NewTheme builds the default theme for r.
func NewTheme(r *lipgloss.Renderer) Theme {
	return Theme{
		Banner: r.NewStyle().Bold(true),
		Stdout: r.NewStyle().Foreground(lipgloss.Color("12")),
		Stderr: r.NewStyle().Foreground(lipgloss.Color("1")),
		OK:     r.NewStyle().Foreground(lipgloss.Color("2")),
		Failed: r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Dim:    r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// Printer writes host results as they complete and a recap at the end. It
// is safe for concurrent use.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	theme Theme
}

// NewPrinter creates a Printer. The color profile is detected from w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, theme: NewTheme(lipgloss.NewRenderer(w))}
}

// Banner renders title padded with stars to the banner width.
func Banner(title string) string {
	line := title + " "
	if pad := bannerWidth - lipgloss.Width(line); pad > 0 {
		line += strings.Repeat("*", pad)
	}
	return line
}

// Result prints one host's output under its banner. Output is expected to
// be sanitized already.
func (p *Printer) Result(res session.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.theme.Banner.Render(Banner(fmt.Sprintf("QUBESOS [%s: PLAY %s]", res.Sandbox, res.WorkUnit))))
	if s := strings.TrimRight(res.Stderr, "\n"); s != "" {
		fmt.Fprintln(p.w, renderLines(p.theme.Stderr, s))
	}
	if s := strings.TrimRight(res.Stdout, "\n"); s != "" {
		fmt.Fprintln(p.w, renderLines(p.theme.Stdout, s))
	}
}

// Error prints a session failure.
func (p *Printer) Error(e dispatch.HostError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.theme.Stderr.Render("[ERROR]: "+e.Error()))
}

// Recap prints per-host outcomes of every round, sorted by host, followed
// by the final code.
func (p *Printer) Recap(rounds []dispatch.RoundReport, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.theme.Banner.Render(Banner("QUBESOS RECAP")))

	type row struct {
		host, play, sandbox, status string
		code                        int
	}
	var rows []row
	for _, r := range rounds {
		for _, h := range r.Local.Hosts {
			rows = append(rows, row{host: h, play: r.Play, sandbox: "(local)", code: r.Local.Code})
		}
		for _, res := range r.Remote.Results {
			rows = append(rows, row{host: res.Host, play: r.Play, sandbox: res.Sandbox, code: res.Code})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].host < rows[j].host })

	hostWidth := 4
	for _, r := range rows {
		hostWidth = max(hostWidth, lipgloss.Width(r.host))
	}
	for _, r := range rows {
		status := p.theme.OK.Render("ok")
		if r.code != 0 {
			status = p.theme.Failed.Render(fmt.Sprintf("failed (%d)", r.code))
		}
		fmt.Fprintf(p.w, "%-*s : %s  %s\n", hostWidth, r.host, status, p.theme.Dim.Render(r.sandbox+" / "+r.play))
	}

	final := p.theme.OK.Render(fmt.Sprintf("exit code %d", code))
	if code != 0 {
		final = p.theme.Failed.Render(fmt.Sprintf("exit code %d", code))
	}
	fmt.Fprintln(p.w, final)
}

// renderLines wraps each line in the escape codes of st. The text itself is
// written as is: Style.Render would expand tabs and alter sanitized output.
func renderLines(st lipgloss.Style, s string) string {
	const mark = "x"
	styled := st.Render(mark)
	i := strings.Index(styled, mark)
	prefix, suffix := styled[:i], styled[i+len(mark):]
	if prefix == "" && suffix == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l + suffix
	}
	return strings.Join(lines, "\n")
}
