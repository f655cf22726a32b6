package tlmx

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolConnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return a, b
}

func TestPoolLeaseEmpty(t *testing.T) {
	pool := NewConnPool()
	assert.Nil(t, pool.lease(0))
}

func TestPoolReleaseAndLease(t *testing.T) {
	pool := NewConnPool()
	conn, _ := poolConnPair(t)
	pc := pool.fresh(conn, 0)
	assert.Equal(t, StateFresh, pc.state)

	pool.release(pc, StateAuthenticated)
	leased := pool.lease(0)
	require.NotNil(t, leased)
	assert.Equal(t, StateAuthenticated, leased.state)
	assert.Same(t, pc, leased)

	// other parents stay empty
	assert.Nil(t, pool.lease(1))
}

func TestPoolDirtyCloses(t *testing.T) {
	pool := NewConnPool()
	conn, peer := poolConnPair(t)
	pc := pool.fresh(conn, 0)
	pool.release(pc, StateDirty)
	assert.Nil(t, pool.lease(0))
	// the socket was really closed: the peer read unblocks
	buf := make([]byte, 1)
	_, err := peer.Read(buf)
	assert.Error(t, err)
}

// the pool never hands the same socket to two concurrent requests
func TestPoolNoDoubleLease(t *testing.T) {
	pool := NewConnPool()
	const total = 32
	for i := 0; i < total; i++ {
		conn, _ := poolConnPair(t)
		pool.release(pool.fresh(conn, 0), StateAuthenticated)
	}
	var mu sync.Mutex
	seen := map[*PooledConn]bool{}
	var wg sync.WaitGroup
	for i := 0; i < total*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc := pool.lease(0)
			if pc == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[pc], "socket handed out twice")
			seen[pc] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, total)
}

func TestPoolCloseAll(t *testing.T) {
	pool := NewConnPool()
	conn, _ := poolConnPair(t)
	pool.release(pool.fresh(conn, 2), StateAuthenticated)
	pool.closeAll()
	assert.Nil(t, pool.lease(2))
}
