package report

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/qubes-proxy/internal/dispatch"
	"github.com/mattjoyce/qubes-proxy/internal/session"
)

func TestBanner(t *testing.T) {
	b := Banner("QUBESOS [disp-mgmt-work: PLAY site]")
	assert.Len(t, b, bannerWidth)
	assert.True(t, strings.HasPrefix(b, "QUBESOS [disp-mgmt-work: PLAY site] *"))
	assert.True(t, strings.HasSuffix(b, "**"))

	long := strings.Repeat("x", 100)
	assert.Equal(t, long+" ", Banner(long))
}

func TestResultPlainWriter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Result(session.Result{Host: "work", Sandbox: "disp-mgmt-work", WorkUnit: "site", Stdout: "ok: [work]\n", Stderr: "warning\n"})

	out := buf.String()
	assert.Contains(t, out, "QUBESOS [disp-mgmt-work: PLAY site]")
	assert.Less(t, strings.Index(out, "warning"), strings.Index(out, "ok: [work]"), "stderr comes first")
	assert.NotContains(t, out, "\x1b[", "no color on a non-terminal writer")
}

func TestRecap(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Recap([]dispatch.RoundReport{{
		Play:  "site",
		Local: dispatch.LocalOutcome{Hosts: []string{"dom0"}},
		Remote: dispatch.Report{Results: []session.Result{
			{Host: "work", Sandbox: "disp-mgmt-work", Code: 2},
			{Host: "vault", Sandbox: "disp-mgmt-vault"},
		}},
	}}, 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"QUBESOS RECAP " + strings.Repeat("*", bannerWidth-len("QUBESOS RECAP ")),
		"dom0  : ok  (local) / site",
		"vault : ok  disp-mgmt-vault / site",
		"work  : failed (2)  disp-mgmt-work / site",
		"exit code 2",
	}, lines)
}

func TestError(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Error(dispatch.HostError{Host: "work", Err: assert.AnError})
	assert.Equal(t, "[ERROR]: work: "+assert.AnError.Error()+"\n", buf.String())
}

func TestRenderLinesKeepsTextVerbatim(t *testing.T) {
	in := "a\tb\n" + strings.Repeat("y", 300) + "\n_[99m"

	plain := NewTheme(lipgloss.NewRenderer(io.Discard)).Stdout
	assert.Equal(t, in, renderLines(plain, in))

	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI)
	out := renderLines(NewTheme(r).Stdout, in)

	assert.Contains(t, out, "\x1b[")
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "a\tb")
	assert.Contains(t, lines[1], strings.Repeat("y", 300))
	assert.Contains(t, lines[2], "_[99m")
}
