package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultDifficulty is the number of leading zero hex digits a proof hash needs.
const DefaultDifficulty = 4

// Genesis block constants.
const (
	GenesisPreviousHash = "1"
	GenesisProof        = 100
)

var (
	ErrInvalidChain  = errors.New("invalid chain")
	ErrProofNotFound = errors.New("proof of work not found within attempt limit")
)

// Contribution records work credited to a contributor.
type Contribution struct {
	ContributorID string `json:"contributor_id"`
	Payload       string `json:"payload"`
}

// Block fields are declared in key order so the JSON encoding, and therefore the hash, is stable.
type Block struct {
	Index        int64          `json:"index"`
	PreviousHash string         `json:"previous_hash"`
	Proof        int64          `json:"proof"`
	Timestamp    float64        `json:"timestamp"`
	Transactions []Contribution `json:"transactions"`
}

// Hash returns the hex SHA-256 of the block's JSON encoding.
func Hash(b Block) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ValidProof reports whether SHA-256 of the decimal concatenation of previousProof and proof
// starts with difficulty zero hex digits.
func ValidProof(previousProof, proof int64, difficulty int) bool {
	sum := sha256.Sum256([]byte(strconv.FormatInt(previousProof, 10) + strconv.FormatInt(proof, 10)))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), strings.Repeat("0", difficulty))
}

// ProofOfWork returns the smallest non-negative proof valid against previousProof. The search
// stops with ctx's error when ctx is done, or with ErrProofNotFound after maxAttempts candidates
// when maxAttempts > 0.
func ProofOfWork(ctx context.Context, previousProof int64, difficulty int, maxAttempts int64) (int64, error) {
	for proof := int64(0); ; proof++ {
		if maxAttempts > 0 && proof >= maxAttempts {
			return 0, ErrProofNotFound
		}
		if proof%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if ValidProof(previousProof, proof, difficulty) {
			return proof, nil
		}
	}
}

// ValidChain checks that the chain starts with a genesis block, that indexes are consecutive and
// that every block links to the hash of its predecessor and carries a valid proof against the
// predecessor's proof.
func ValidChain(chain []Block, difficulty int) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidChain)
	}
	if g := chain[0]; g.Index != 0 || g.PreviousHash != GenesisPreviousHash || g.Proof != GenesisProof {
		return fmt.Errorf("%w: bad genesis block", ErrInvalidChain)
	}
	for i := 1; i < len(chain); i++ {
		prev, block := chain[i-1], chain[i]

		if block.Index != prev.Index+1 {
			return fmt.Errorf("%w: block %d follows block %d", ErrInvalidChain, block.Index, prev.Index)
		}

		hash, err := Hash(prev)
		if err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrInvalidChain, prev.Index, err)
		}
		if block.PreviousHash != hash {
			return fmt.Errorf("%w: block %d does not link to block %d", ErrInvalidChain, block.Index, prev.Index)
		}
		if !ValidProof(prev.Proof, block.Proof, difficulty) {
			return fmt.Errorf("%w: block %d has an invalid proof", ErrInvalidChain, block.Index)
		}
	}
	return nil
}

func genesis(timestamp float64) Block {
	return Block{
		Index:        0,
		PreviousHash: GenesisPreviousHash,
		Proof:        GenesisProof,
		Timestamp:    timestamp,
		Transactions: []Contribution{},
	}
}
