package p2p_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/config"
	"github.com/3FT-io/chunkvault/pkg/p2p"
)

func setupTestNetwork(t *testing.T) (*p2p.Network, func()) {
	cfg := &config.Config{
		ListenAddress: "127.0.0.1",
		Port:          0, // Use random port
	}

	network, err := p2p.NewNetwork(cfg, nil)
	require.NoError(t, err)

	cleanup := func() {
		network.Stop()
	}

	return network, cleanup
}

func TestNetworkStartStop(t *testing.T) {
	network, cleanup := setupTestNetwork(t)
	defer cleanup()

	ctx := context.Background()
	err := network.Start(ctx)
	require.NoError(t, err)

	// Verify network is running
	assert.NotNil(t, network.GetHost())
	assert.NotEmpty(t, network.GetHost().Addrs())

	// Stop network
	err = network.Stop()
	require.NoError(t, err)
	assert.ErrorIs(t, network.Broadcast(ctx, []byte("late")), p2p.ErrNotStarted)
}

func TestPublishBeforeStart(t *testing.T) {
	network, cleanup := setupTestNetwork(t)
	defer cleanup()

	err := network.Publish(context.Background(), p2p.MessageTypeBlockAnnouncement, p2p.BlockAnnouncement{Index: 1})
	assert.ErrorIs(t, err, p2p.ErrNotStarted)
}

func TestPeerConnection(t *testing.T) {
	network1, cleanup1 := setupTestNetwork(t)
	defer cleanup1()

	network2, cleanup2 := setupTestNetwork(t)
	defer cleanup2()

	ctx := context.Background()

	require.NoError(t, network1.Start(ctx))
	require.NoError(t, network2.Start(ctx))

	peerInfo := network1.GetHost().Peerstore().PeerInfo(network1.GetHost().ID())

	err := network2.ConnectToPeer(ctx, peerInfo)
	require.NoError(t, err)

	assert.Contains(t, network2.GetPeers(), network1.GetHost().ID())
}

func TestBlockAnnouncementDelivered(t *testing.T) {
	network1, cleanup1 := setupTestNetwork(t)
	defer cleanup1()

	network2, cleanup2 := setupTestNetwork(t)
	defer cleanup2()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan p2p.BlockAnnouncement, 16)
	var from atomic.Value
	network2.Handle(p2p.MessageTypeBlockAnnouncement, func(_ context.Context, sender peer.ID, payload json.RawMessage) {
		var ann p2p.BlockAnnouncement
		if err := json.Unmarshal(payload, &ann); err == nil {
			from.Store(sender)
			received <- ann
		}
	})

	require.NoError(t, network1.Start(ctx))
	require.NoError(t, network2.Start(ctx))

	peerInfo := network1.GetHost().Peerstore().PeerInfo(network1.GetHost().ID())
	require.NoError(t, network2.ConnectToPeer(ctx, peerInfo))

	want := p2p.BlockAnnouncement{Index: 3, Hash: "abc", APIAddress: "127.0.0.1:8080"}

	// gossipsub needs a heartbeat or two to graft the mesh, so keep announcing until delivery
	var got p2p.BlockAnnouncement
	require.Eventually(t, func() bool {
		assert.NoError(t, network1.Publish(ctx, p2p.MessageTypeBlockAnnouncement, want))
		select {
		case got = <-received:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 15*time.Second, 100*time.Millisecond)

	assert.Equal(t, want, got)
	assert.Equal(t, network1.GetHost().ID(), from.Load())
}
