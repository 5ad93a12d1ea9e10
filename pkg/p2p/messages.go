package p2p

import (
	"encoding/json"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Message types for network communication
type MessageType string

const (
	MessageTypeBlockAnnouncement    MessageType = "block"
	MessageTypeManifestAnnouncement MessageType = "manifest"
)

type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	From    peer.ID         `json:"from"`
}

// BlockAnnouncement tells peers a node mined a block. APIAddress is where the node serves its
// chain for fork resolution.
type BlockAnnouncement struct {
	Index      int64  `json:"index"`
	Hash       string `json:"hash"`
	APIAddress string `json:"api_address"`
}

// ManifestAnnouncement tells peers a model finished ingesting.
type ManifestAnnouncement struct {
	ModelHash   string `json:"model_hash"`
	ManifestKey string `json:"manifest_key"`
	Chunks      int    `json:"chunks"`
	APIAddress  string `json:"api_address"`
}
