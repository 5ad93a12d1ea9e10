package ledger

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RewardPayload marks the contribution a node credits itself for mining a block.
const RewardPayload = "block-reward"

// Ledger is a proof-of-work chain of contribution blocks plus the pool of contributions waiting
// for the next block.
type Ledger struct {
	mu      sync.Mutex
	chain   []Block
	pending []Contribution
	nodes   map[string]struct{}

	nodeID      string
	difficulty  int
	maxAttempts int64
	store       ChainStore
	client      *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Ledger)

func WithDifficulty(d int) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.difficulty = d
		}
	}
}

// WithMaxAttempts caps the proof search of a single mining round. 0 means unbounded.
func WithMaxAttempts(n int64) Option {
	return func(l *Ledger) { l.maxAttempts = n }
}

// WithChainStore persists the chain and pending pool. Without one both live in memory only.
func WithChainStore(s ChainStore) Option {
	return func(l *Ledger) { l.store = s }
}

func WithNodeID(id string) Option {
	return func(l *Ledger) {
		if id != "" {
			l.nodeID = id
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(l *Ledger) { l.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New loads the chain from the configured store, creating and persisting the genesis block when
// the store is empty.
func New(logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		nodes:      make(map[string]struct{}),
		difficulty: DefaultDifficulty,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.store != nil {
		chain, err := l.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load chain: %w", err)
		}
		if len(chain) > 0 {
			if err := ValidChain(chain, l.difficulty); err != nil {
				return nil, fmt.Errorf("stored chain: %w", err)
			}
			l.chain = chain
		}

		if l.pending, err = l.store.LoadPending(); err != nil {
			return nil, fmt.Errorf("load pending contributions: %w", err)
		}
		if l.nodeID == "" {
			if l.nodeID, err = l.store.LoadNodeID(); err != nil {
				return nil, fmt.Errorf("load node id: %w", err)
			}
		}
	}

	if l.nodeID == "" {
		l.nodeID = strings.ReplaceAll(uuid.New().String(), "-", "")
		if l.store != nil {
			if err := l.store.SaveNodeID(l.nodeID); err != nil {
				return nil, fmt.Errorf("store node id: %w", err)
			}
		}
	}

	if len(l.chain) == 0 {
		g := genesis(l.timestamp())
		if l.store != nil {
			if err := l.store.Append(g); err != nil {
				return nil, fmt.Errorf("store genesis block: %w", err)
			}
		}
		l.chain = []Block{g}
	}

	l.logger.Info("Ledger ready",
		zap.String("node_id", l.nodeID),
		zap.Int("length", len(l.chain)),
		zap.Int("difficulty", l.difficulty))
	return l, nil
}

func (l *Ledger) timestamp() float64 {
	return float64(l.now().UnixNano()) / 1e9
}

// NodeID identifies this node as a contributor.
func (l *Ledger) NodeID() string {
	return l.nodeID
}

// Difficulty returns the number of leading zero hex digits proofs must have.
func (l *Ledger) Difficulty() int {
	return l.difficulty
}

// Chain returns a copy of the chain.
func (l *Ledger) Chain() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Block(nil), l.chain...)
}

func (l *Ledger) LastBlock() Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain[len(l.chain)-1]
}

// Pending returns a copy of the contributions not yet mined.
func (l *Ledger) Pending() []Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Contribution(nil), l.pending...)
}

// NewTransaction queues c and returns the index of the block that will hold it.
func (l *Ledger) NewTransaction(c Contribution) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, c)
	l.savePending()
	return l.chain[len(l.chain)-1].Index + 1
}

// Mine searches a proof against the last block, then appends a block holding every pending
// contribution plus this node's reward. The proof search runs unlocked; if the chain moved on
// meanwhile the search restarts from the new last block.
func (l *Ledger) Mine(ctx context.Context) (Block, error) {
	for {
		last := l.LastBlock()

		start := time.Now()
		proof, err := ProofOfWork(ctx, last.Proof, l.difficulty, l.maxAttempts)
		if err != nil {
			return Block{}, err
		}

		block, ok, err := l.appendMined(last, proof)
		if err != nil {
			return Block{}, err
		}
		if !ok {
			l.logger.Debug("Chain advanced during proof search, retrying", zap.Int64("index", last.Index))
			continue
		}

		l.logger.Info("Mined block",
			zap.Int64("index", block.Index),
			zap.Int64("proof", block.Proof),
			zap.Int("transactions", len(block.Transactions)),
			zap.Duration("elapsed", time.Since(start)))
		return block, nil
	}
}

func (l *Ledger) appendMined(last Block, proof int64) (Block, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur := l.chain[len(l.chain)-1]; cur.Index != last.Index || cur.Proof != last.Proof {
		return Block{}, false, nil
	}

	prevHash, err := Hash(last)
	if err != nil {
		return Block{}, false, err
	}

	txs := make([]Contribution, 0, len(l.pending)+1)
	txs = append(txs, l.pending...)
	txs = append(txs, Contribution{ContributorID: l.nodeID, Payload: RewardPayload})

	block := Block{
		Index:        last.Index + 1,
		PreviousHash: prevHash,
		Proof:        proof,
		Timestamp:    l.timestamp(),
		Transactions: txs,
	}
	if l.store != nil {
		if err := l.store.Append(block); err != nil {
			return Block{}, false, fmt.Errorf("store block %d: %w", block.Index, err)
		}
	}

	l.chain = append(l.chain, block)
	l.pending = nil
	l.savePending()
	return block, true, nil
}

// savePending persists the pending pool. Callers hold l.mu.
func (l *Ledger) savePending() {
	if l.store == nil {
		return
	}
	if err := l.store.SavePending(l.pending); err != nil {
		l.logger.Warn("Failed to persist pending contributions", zap.Int("pending", len(l.pending)), zap.Error(err))
	}
}

// Replace swaps the local chain for chain when it is longer and valid. It reports whether the
// chain was replaced.
func (l *Ledger) Replace(chain []Block) (bool, error) {
	if err := ValidChain(chain, l.difficulty); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(chain) <= len(l.chain) {
		return false, nil
	}
	if l.store != nil {
		if err := l.store.Replace(chain); err != nil {
			return false, fmt.Errorf("store chain: %w", err)
		}
	}
	l.chain = append([]Block(nil), chain...)
	return true, nil
}

// Nodes returns the registered peer addresses, sorted.
func (l *Ledger) Nodes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	nodes := make([]string, 0, len(l.nodes))
	for n := range l.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
