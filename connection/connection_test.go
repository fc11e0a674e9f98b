package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

func connected(t *testing.T) *Connection {
	t.Helper()
	c := New(1, 0x10, nil)
	require.NoError(t, c.MarkConnected())
	return c
}

func TestLifecycleStates(t *testing.T) {
	c := New(1, 0x10, nil)
	assert.Equal(t, StateNew, c.State())

	require.NoError(t, c.MarkConnected())
	assert.Equal(t, StateConnected, c.State())

	// CONNECTED -> CONNECTED is invalid
	assert.Error(t, c.MarkConnected())

	c.HandleDisconnect(gwerr.ErrDisconnected)
	assert.Equal(t, StateDisconnected, c.State())

	// no resurrection
	assert.Error(t, c.MarkConnected())
}

func TestOpenInterfaceRequiresConnected(t *testing.T) {
	c := New(1, 0x10, nil)
	err := c.OpenInterface(tile.InterfaceStreaming)
	assert.True(t, errors.Is(err, gwerr.ErrNotConnected))
}

func TestInterfaceMutualExclusion(t *testing.T) {
	tests := []struct {
		name    string
		first   tile.InterfaceKind
		second  tile.InterfaceKind
		wantErr bool
	}{
		{"script blocks streaming", tile.InterfaceScript, tile.InterfaceStreaming, true},
		{"streaming blocks debug", tile.InterfaceStreaming, tile.InterfaceDebug, true},
		{"tracing blocks script", tile.InterfaceTracing, tile.InterfaceScript, true},
		{"streaming and tracing coexist", tile.InterfaceStreaming, tile.InterfaceTracing, false},
		{"script and debug coexist", tile.InterfaceScript, tile.InterfaceDebug, false},
		{"rpc coexists with streaming", tile.InterfaceRPC, tile.InterfaceStreaming, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := connected(t)
			require.NoError(t, c.OpenInterface(test.first))

			err := c.OpenInterface(test.second)
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenInterfaceIdempotent(t *testing.T) {
	c := connected(t)
	require.NoError(t, c.OpenInterface(tile.InterfaceStreaming))
	assert.NoError(t, c.OpenInterface(tile.InterfaceStreaming))
	assert.True(t, c.IsOpen(tile.InterfaceStreaming))
}

func TestCloseInterfaceReleasesExclusivity(t *testing.T) {
	c := connected(t)
	require.NoError(t, c.OpenInterface(tile.InterfaceStreaming))
	require.Error(t, c.OpenInterface(tile.InterfaceScript))

	require.NoError(t, c.CloseInterface(tile.InterfaceStreaming))
	assert.NoError(t, c.OpenInterface(tile.InterfaceScript))
}

func TestWithRPCRequiresOpenRPCInterface(t *testing.T) {
	c := connected(t)
	_, err := c.WithRPC(context.Background(), func(context.Context) (tile.RPCResponse, error) {
		return tile.RPCResponse{}, nil
	})
	assert.True(t, errors.Is(err, gwerr.ErrInterfaceNotOpen))
}

func TestWithRPCSerializesCalls(t *testing.T) {
	c := connected(t)
	require.NoError(t, c.OpenInterface(tile.InterfaceRPC))

	firstRunning := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = c.WithRPC(context.Background(), func(context.Context) (tile.RPCResponse, error) {
			close(firstRunning)
			<-release
			return tile.RPCResponse{}, nil
		})
	}()
	<-firstRunning

	// the second RPC cannot start while the first holds the slot
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.WithRPC(ctx, func(context.Context) (tile.RPCResponse, error) {
		return tile.RPCResponse{}, nil
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
}

func TestDisconnectCancelsInFlightRPC(t *testing.T) {
	c := connected(t)
	require.NoError(t, c.OpenInterface(tile.InterfaceRPC))

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := c.WithRPC(context.Background(), func(rpcCtx context.Context) (tile.RPCResponse, error) {
			close(started)
			<-rpcCtx.Done()
			return tile.RPCResponse{}, gwerr.ErrDisconnected
		})
		result <- err
	}()

	<-started
	c.HandleDisconnect(gwerr.ErrDisconnected)

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, gwerr.ErrDisconnected))
	case <-time.After(time.Second):
		t.Fatal("in-flight RPC not cancelled by disconnect")
	}

	assert.False(t, c.IsOpen(tile.InterfaceRPC), "disconnect must close all interfaces")
}

func TestReconnectBudget(t *testing.T) {
	c := connected(t)
	for i := 0; i < DefaultReconnectAttempts; i++ {
		assert.True(t, c.AttemptReconnect())
	}
	assert.False(t, c.AttemptReconnect(), "budget exhausted")
}

func TestMarkReconnectedRestoresRPC(t *testing.T) {
	c := connected(t)
	require.NoError(t, c.OpenInterface(tile.InterfaceStreaming))

	c.HandleDisconnect(gwerr.ErrDisconnected)
	require.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.MarkReconnected(2))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, tile.ConnectionHandle(2), c.Handle())
	assert.True(t, c.IsOpen(tile.InterfaceRPC), "rpc reopens on reconnect")
	assert.False(t, c.IsOpen(tile.InterfaceStreaming), "other interfaces stay closed")

	// only DISCONNECTED may reconnect
	assert.Error(t, c.MarkReconnected(3))
}

func TestWithRPCMapsDisconnectToDisconnected(t *testing.T) {
	c := connected(t)
	require.NoError(t, c.OpenInterface(tile.InterfaceRPC))

	_, err := c.WithRPC(context.Background(), func(rpcCtx context.Context) (tile.RPCResponse, error) {
		c.HandleDisconnect(gwerr.ErrDisconnected)
		<-rpcCtx.Done()
		return tile.RPCResponse{}, gwerr.ErrCancelled
	})
	assert.True(t, errors.Is(err, gwerr.ErrDisconnected),
		"a transport error during a disconnect surfaces as Disconnected")
}
