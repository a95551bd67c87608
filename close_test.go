package pmemkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClose_UnblocksWaitingWriter(t *testing.T) {
	e, err := Open(t.TempDir(),
		WithVolatile(),
		WithPMemFileSize(8<<20),
		WithChunkSize(64<<10),
		WithMaxWriteSlots(1),
	)
	require.NoError(t, err)

	// Occupy the only write slot so the next writer parks on the pool.
	// Close drains the pool permanently; the parked writer must get
	// ErrClosed, not wait forever for a slot that will never come back.
	wc := e.pool.acquire()

	writerErr := make(chan error, 1)
	go func() {
		writerErr <- e.Set([]byte("k"), []byte("v"))
	}()

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- e.Close()
	}()

	select {
	case err := <-writerErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after close")
	}

	// Close itself finishes once the held slot is returned.
	e.pool.release(wc)
	require.NoError(t, <-closeErr)
}
