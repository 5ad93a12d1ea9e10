package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ChainResponse is the payload peers serve on GET /chain, inside the API response envelope.
type ChainResponse struct {
	Chain  []Block `json:"chain"`
	Length int     `json:"length"`
}

type chainEnvelope struct {
	Success bool          `json:"success"`
	Data    ChainResponse `json:"data"`
	Error   string        `json:"error,omitempty"`
}

// RegisterNode adds a peer by URL ("https://10.0.0.2:5000") or bare host:port, which defaults to
// http, and returns the stored base URL.
func (l *Ledger) RegisterNode(address string) (string, error) {
	raw := strings.TrimSpace(address)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid node address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid node address %q", address)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("invalid node address %q: unsupported scheme %q", address, u.Scheme)
	}
	node := scheme + "://" + u.Host

	l.mu.Lock()
	l.nodes[node] = struct{}{}
	l.mu.Unlock()

	l.logger.Info("Registered node", zap.String("node", node))
	return node, nil
}

// ResolveConflicts fetches every peer's chain and adopts the longest valid one that is longer
// than the local chain. Unreachable peers and invalid chains are skipped. It reports whether the
// local chain was replaced.
func (l *Ledger) ResolveConflicts(ctx context.Context) (bool, error) {
	var best []Block
	minLen := len(l.Chain())

	for _, node := range l.Nodes() {
		chain, err := l.fetchChain(ctx, node)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			l.logger.Warn("Failed to fetch peer chain", zap.String("node", node), zap.Error(err))
			continue
		}
		if len(chain) <= minLen || len(chain) <= len(best) {
			continue
		}
		if err := ValidChain(chain, l.difficulty); err != nil {
			l.logger.Warn("Rejected peer chain", zap.String("node", node), zap.Error(err))
			continue
		}
		best = chain
	}

	if best == nil {
		return false, nil
	}

	replaced, err := l.Replace(best)
	if err != nil {
		return false, err
	}
	if replaced {
		l.logger.Info("Chain replaced by longer peer chain", zap.Int("length", len(best)))
	}
	return replaced, nil
}

func (l *Ledger) fetchChain(ctx context.Context, node string) ([]Block, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node+"/chain", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var env chainEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("peer error: %s", env.Error)
	}
	if env.Data.Length != len(env.Data.Chain) {
		return nil, fmt.Errorf("length %d does not match %d blocks", env.Data.Length, len(env.Data.Chain))
	}
	return env.Data.Chain, nil
}
