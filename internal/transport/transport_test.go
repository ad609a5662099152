package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caracaldb/internal/view"
)

func recv(t *testing.T, tr Transport) []byte {
	t.Helper()
	select {
	case data := <-tr.Receive():
		return data
	case <-time.After(5 * time.Second):
		t.Fatalf("no packet received")
		return nil
	}
}

func TestNetwork_DeliversAndCuts(t *testing.T) {
	n := NewNetwork(1)
	a := n.Join("a", 16)
	b := n.Join("b", 16)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, "b", []byte("hello")))
	assert.Equal(t, []byte("hello"), recv(t, b))

	require.NoError(t, a.Send(ctx, "a", []byte("self")))
	assert.Equal(t, []byte("self"), recv(t, a))

	n.Disconnect("b")
	require.NoError(t, a.Send(ctx, "b", []byte("lost")))
	n.Reconnect("b")
	require.NoError(t, a.Send(ctx, "b", []byte("back")))
	assert.Equal(t, []byte("back"), recv(t, b))

	require.NoError(t, a.Send(ctx, "nobody", []byte("x")))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(ctx, "b", nil), ErrClosed)
}

func TestNetwork_InjectedFaults(t *testing.T) {
	n := NewNetwork(7)
	a := n.Join("a", 1024)
	b := n.Join("b", 1024)

	n.SetFaults(1, 0, 0, 0)
	for range 20 {
		require.NoError(t, a.Send(context.Background(), "b", []byte("x")))
	}
	assert.Empty(t, b.Receive())

	n.SetFaults(0, 1, 0, 0)
	require.NoError(t, a.Send(context.Background(), "b", []byte("y")))
	assert.Equal(t, []byte("y"), recv(t, b))
	assert.Equal(t, []byte("y"), recv(t, b))

	n.SetFaults(0, 0, 1, 10*time.Millisecond)
	require.NoError(t, a.Send(context.Background(), "b", []byte("late")))
	assert.Equal(t, []byte("late"), recv(t, b))
}

func TestGRPC_DeliversBetweenPeers(t *testing.T) {
	a, err := NewGRPC(GRPCConfig{Address: "127.0.0.1:0", Timeout: time.Second})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewGRPC(GRPCConfig{Address: "127.0.0.1:0", Timeout: time.Second})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, view.Address(b.Addr()), []byte("ping")))
	assert.Equal(t, []byte("ping"), recv(t, b))

	require.NoError(t, b.Send(ctx, view.Address(a.Addr()), []byte("pong")))
	assert.Equal(t, []byte("pong"), recv(t, a))

	require.NoError(t, a.Send(ctx, "127.0.0.1:0", []byte("self")))
	assert.Equal(t, []byte("self"), recv(t, a))

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(ctx, view.Address(b.Addr()), nil), ErrClosed)
}

func TestGRPC_SendRacingCloseDoesNotPanic(t *testing.T) {
	a, err := NewGRPC(GRPCConfig{Address: "127.0.0.1:0", Timeout: time.Second, SendQueueSize: 4})
	require.NoError(t, err)
	b, err := NewGRPC(GRPCConfig{Address: "127.0.0.1:0", Timeout: time.Second})
	require.NoError(t, err)
	defer b.Close()

	dest := view.Address(b.Addr())
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 200 {
				if err := a.Send(context.Background(), dest, []byte("x")); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}()
	}
	close(start)
	require.NoError(t, a.Close())
	wg.Wait()
}
