package shutdown

import (
	"context"
	"os"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterIsNotSilentOnDuplicates(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("proxy-8080", func() {}))
	require.ErrorIs(t, r.Register("proxy-8080", func() {}), ErrAlreadyRegistered)

	require.NoError(t, r.Unregister("proxy-8080"))
	require.ErrorIs(t, r.Unregister("proxy-8080"), ErrNotRegistered)
}

func TestRegisteredProbeLeavesStateUnchanged(t *testing.T) {
	r := NewRegistry(nil)

	require.False(t, r.Registered("proxy-8080"))
	require.False(t, r.Registered("proxy-8080"))

	require.NoError(t, r.Register("proxy-8080", func() {}))
	require.True(t, r.Registered("proxy-8080"))
	require.True(t, r.Registered("proxy-8080"))
}

func TestRunExecutesHooksOnceInReverseOrder(t *testing.T) {
	r := NewRegistry(nil)
	var order []string

	require.NoError(t, r.Register("first", func() { order = append(order, "first") }))
	require.NoError(t, r.Register("boom", func() { panic("boom") }))
	require.NoError(t, r.Register("second", func() { order = append(order, "second") }))

	r.Run()
	r.Run()

	require.Equal(t, []string{"second", "first"}, order)
}

func TestListenRunsHooksOnSignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("cannot deliver SIGTERM to self on windows")
	}
	r := NewRegistry(nil)
	exited := make(chan int, 1)
	r.exit = func(code int) { exited <- code }

	ran := make(chan struct{})
	require.NoError(t, r.Register("proxy", func() { close(ran) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Listen(ctx)

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(syscall.SIGTERM))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook did not run")
	}
	require.Equal(t, 1, <-exited)
}
