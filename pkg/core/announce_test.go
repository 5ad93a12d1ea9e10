package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/config"
	"github.com/3FT-io/chunkvault/pkg/ledger"
	"github.com/3FT-io/chunkvault/pkg/p2p"
	"github.com/3FT-io/chunkvault/pkg/testutil"
)

func TestBlockAnnouncementTriggersForkResolution(t *testing.T) {
	peer, err := ledger.New(nil, ledger.WithDifficulty(2))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := peer.Mine(context.Background())
		require.NoError(t, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chain := peer.Chain()
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    ledger.ChainResponse{Chain: chain, Length: len(chain)},
		})
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.DataDir = ""
	cfg.EnableP2P = false
	cfg.Storage.Backend = "file"
	cfg.Storage.LocalDir = t.TempDir()
	cfg.Ingest.OutputDir = t.TempDir()
	cfg.Ledger.Difficulty = 2

	node, err := NewNode(cfg, nil, WithEmbedder(testutil.WordEmbedder{}))
	require.NoError(t, err)
	defer node.Stop()

	stale, _ := json.Marshal(p2p.BlockAnnouncement{Index: 0, APIAddress: "10.0.0.1:8080"})
	node.handleBlockAnnouncement(context.Background(), "", stale)
	assert.Empty(t, node.Ledger().Nodes())

	ann, _ := json.Marshal(p2p.BlockAnnouncement{Index: 2, APIAddress: strings.TrimPrefix(srv.URL, "http://")})
	node.handleBlockAnnouncement(context.Background(), "", ann)

	assert.Equal(t, peer.Chain(), node.Ledger().Chain())
	assert.Len(t, node.Ledger().Nodes(), 1)
}
