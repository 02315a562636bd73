package threads

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestTidsIncludesSelf(t *testing.T) {
	tids := Tids()
	require.NotEmpty(t, tids)

	self := unix.Gettid()
	found := false
	for _, tid := range tids {
		if tid == self {
			found = true
		}
	}
	assert.True(t, found, "the calling thread must be enumerated")
}

func TestSignalExitedThread(t *testing.T) {
	// A tid that no longer exists counts as suspended.
	assert.True(t, SuspendThread(1<<22-1))
	assert.True(t, ResumeThread(1<<22-1))
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	var running atomic.Bool
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				running.Store(true)
			}
		}
	}()

	// The freeze window must come back up without wedging the process.
	SuspendAllOtherThreads()
	ResumeAllOtherThreads()

	running.Store(false)
	deadline := time.After(5 * time.Second)
	for !running.Load() {
		select {
		case <-deadline:
			t.Fatal("sibling thread did not resume")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(stop)
	wg.Wait()
}
