package sysint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/pkg"
)

func newController(t *testing.T) *Controller {
	t.Helper()
	c := New()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInitErrors(t *testing.T) {
	c := newController(t)
	isr := func() {}

	tests := []struct {
		name string
		cfg  *Config
		isr  func()
		want error
	}{
		{"nil config", nil, isr, pkg.ErrInvalidParameter},
		{"nil handler", &Config{Source: 1}, nil, pkg.ErrInvalidParameter},
		{"source out of range", &Config{Source: NumSources}, isr, pkg.ErrInvalidIRQ},
		{"priority out of range", &Config{Source: 1, Priority: NumPriorities}, isr, pkg.ErrInvalidPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Init(tt.cfg, tt.isr), tt.want)
		})
	}

	require.NoError(t, c.Init(&Config{Source: 3, Priority: 2}, isr))
	assert.Equal(t, uint8(2), c.Priority(3))
	require.NoError(t, c.SetPriority(3, 5))
	assert.Equal(t, uint8(5), c.Priority(3))
	assert.ErrorIs(t, c.SetPriority(3, NumPriorities), pkg.ErrInvalidPriority)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Init(&Config{Source: 3}, isr), pkg.ErrNotRunning)
}

func TestPriorityOrder(t *testing.T) {
	c := newController(t)

	var (
		mu    sync.Mutex
		order []IRQn
	)
	done := make(chan struct{})
	record := func(src IRQn) func() {
		return func() {
			mu.Lock()
			order = append(order, src)
			n := len(order)
			mu.Unlock()
			if n == 4 {
				close(done)
			}
		}
	}

	cfgs := []Config{
		{Source: 7, Priority: 2},
		{Source: 2, Priority: 1},
		{Source: 9, Priority: 0},
		{Source: 1, Priority: 1},
	}
	for i := range cfgs {
		require.NoError(t, c.Init(&cfgs[i], record(cfgs[i].Source)))
		c.EnableIRQ(cfgs[i].Source)
		c.SetPending(cfgs[i].Source)
	}
	assert.True(t, c.IsPending(7))

	c.EnableGlobal()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []IRQn{9, 1, 2, 7}, order)
	assert.False(t, c.IsPending(7))
}

func TestMasking(t *testing.T) {
	c := newController(t)
	ran := make(chan IRQn, 4)
	require.NoError(t, c.Init(&Config{Source: 4}, func() { ran <- 4 }))
	c.EnableGlobal()

	// Disabled: the request is held.
	c.SetPending(4)
	select {
	case <-ran:
		t.Fatal("disabled source ran")
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, c.IsPending(4))

	c.EnableIRQ(4)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("enabled source did not run")
	}

	// Globally masked.
	c.DisableGlobal()
	c.SetPending(4)
	select {
	case <-ran:
		t.Fatal("masked source ran")
	case <-time.After(20 * time.Millisecond):
	}

	c.ClearPending(4)
	assert.False(t, c.IsPending(4))
	c.EnableGlobal()
	select {
	case <-ran:
		t.Fatal("cleared request ran")
	case <-time.After(20 * time.Millisecond):
	}

	c.DisableIRQ(4)
	assert.False(t, c.IsEnabled(4))
}

func TestHandlersDoNotOverlap(t *testing.T) {
	c := newController(t)

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		count   int
	)
	done := make(chan struct{})
	isr := func() {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		count++
		if count == 20 {
			close(done)
		}
		mu.Unlock()
	}
	for src := IRQn(0); src < 4; src++ {
		require.NoError(t, c.Init(&Config{Source: src, Priority: uint8(src)}, isr))
		c.EnableIRQ(src)
	}
	c.EnableGlobal()

	var wg sync.WaitGroup
	for src := IRQn(0); src < 4; src++ {
		wg.Add(1)
		go func(src IRQn) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				c.SetPending(src)
				// Wait until serviced so every request counts.
				for c.IsPending(src) {
					time.Sleep(100 * time.Microsecond)
				}
			}
		}(src)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handlers did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap)
}
