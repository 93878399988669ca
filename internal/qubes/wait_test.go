package qubes_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qubes-proxy/internal/qubes"
	"github.com/mattjoyce/qubes-proxy/internal/qubes/qubestest"
)

func TestWaitForStateReached(t *testing.T) {
	m := qubestest.New()
	m.Add(qubes.Domain{Name: "work", State: qubes.StateHalted})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Start(context.Background(), "work")
	}()

	err := qubes.WaitForState(context.Background(), m, "work", qubes.StateRunning, 5*time.Millisecond, 2*time.Second)
	assert.NoError(t, err)
}

func TestWaitForStateTimeout(t *testing.T) {
	m := qubestest.New()
	m.Add(qubes.Domain{Name: "work", State: qubes.StateRunning})

	err := qubes.WaitForState(context.Background(), m, "work", qubes.StateHalted, 5*time.Millisecond, 50*time.Millisecond)

	var timeout *qubes.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "work", timeout.Domain)
	assert.Equal(t, qubes.StateRunning, timeout.Last)
	assert.Equal(t, qubes.StateHalted, timeout.Want)
}

func TestWaitForHaltedAcceptsRemovedDomain(t *testing.T) {
	m := qubestest.New()

	err := qubes.WaitForState(context.Background(), m, "gone", qubes.StateHalted, 5*time.Millisecond, 50*time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitForStateContextCancelled(t *testing.T) {
	m := qubestest.New()
	m.Add(qubes.Domain{Name: "work", State: qubes.StateHalted})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := qubes.WaitForState(ctx, m, "work", qubes.StateRunning, 5*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForStateCarriesLastError(t *testing.T) {
	m := qubestest.New()
	m.Add(qubes.Domain{Name: "work"})
	boom := errors.New("qubesd unavailable")
	m.Fail("State", "work", boom)

	err := qubes.WaitForState(context.Background(), m, "work", qubes.StateRunning, 5*time.Millisecond, 40*time.Millisecond)
	assert.ErrorIs(t, err, boom)
}
