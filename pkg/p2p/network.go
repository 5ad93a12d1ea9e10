package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/3FT-io/chunkvault/pkg/config"
)

const (
	ProtocolID         = "/chunkvault/1.0.0"
	DiscoveryNamespace = "chunkvault-network"
	PubsubTopic        = "chunkvault-announcements"
	ConnectionTimeout  = 10 * time.Second
)

var ErrNotStarted = errors.New("p2p network not started")

// Handler processes the payload of one message type. from is the originating peer.
type Handler func(ctx context.Context, from peer.ID, payload json.RawMessage)

type Network struct {
	cfg          *config.Config
	logger       *zap.Logger
	host         host.Host
	dht          *dht.IpfsDHT
	mdns         mdns.Service
	pubsub       *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	peers        map[peer.ID]peer.AddrInfo
	handlers     map[MessageType]Handler
	mu           sync.RWMutex
}

func NewNetwork(cfg *config.Config, logger *zap.Logger) (*Network, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		cfg:      cfg,
		logger:   logger,
		peers:    make(map[peer.ID]peer.AddrInfo),
		handlers: make(map[MessageType]Handler),
	}, nil
}

// Handle registers h for messages of type t, replacing any previous handler.
func (n *Network) Handle(t MessageType, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[t] = h
}

func (n *Network) Start(ctx context.Context) error {
	// Create libp2p host
	h, err := n.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	n.host = h

	// Initialize DHT
	if err := n.initDHT(ctx); err != nil {
		return fmt.Errorf("failed to initialize DHT: %w", err)
	}

	// Initialize PubSub
	if err := n.initPubSub(ctx); err != nil {
		return fmt.Errorf("failed to initialize PubSub: %w", err)
	}

	// Start mDNS discovery
	if err := n.initMDNS(); err != nil {
		return fmt.Errorf("failed to initialize mDNS: %w", err)
	}

	// Connect to bootstrap peers
	go n.connectToBootstrapPeers(ctx)

	// Start message handler
	go n.handleMessages(ctx, n.subscription, n.host.ID())

	n.logger.Info("P2P network started",
		zap.String("peer_id", n.host.ID().String()),
		zap.Any("addrs", n.host.Addrs()))
	return nil
}

func (n *Network) createHost() (host.Host, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddress, n.cfg.Port))
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.EnableNATService(),
	}

	// Only enable auto relay if we have bootstrap peers configured
	if len(n.cfg.BootstrapPeers) > 0 {
		opts = append(opts, libp2p.EnableAutoRelay())
	}

	return libp2p.New(opts...)
}

func (n *Network) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(ProtocolID)),
	)
	if err != nil {
		return err
	}
	return n.dht.Bootstrap(ctx)
}

func (n *Network) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return err
	}

	n.topic, err = n.pubsub.Join(PubsubTopic)
	if err != nil {
		return err
	}

	n.subscription, err = n.topic.Subscribe()
	return err
}

func (n *Network) initMDNS() error {
	n.mdns = mdns.NewMdnsService(n.host, DiscoveryNamespace, n)
	return n.mdns.Start()
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.connectToPeer(context.Background(), pi); err != nil {
		n.logger.Debug("Failed to connect to discovered peer", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

func (n *Network) connectToBootstrapPeers(ctx context.Context) {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		if err := n.connectToPeerWithBackoff(ctx, *peerInfo); err != nil {
			n.logger.Warn("Failed to reach bootstrap peer", zap.String("addr", addr), zap.Error(err))
		}
	}
}

func (n *Network) connectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, peerInfo); err != nil {
		return err
	}

	n.mu.Lock()
	n.peers[peerInfo.ID] = peerInfo
	n.mu.Unlock()

	n.logger.Debug("Connected to peer", zap.String("peer", peerInfo.ID.String()))
	return nil
}

func (n *Network) connectToPeerWithBackoff(ctx context.Context, peerInfo peer.AddrInfo) error {
	backoff := time.Second
	maxBackoff := time.Minute

	for {
		err := n.connectToPeer(ctx, peerInfo)
		if err == nil {
			return nil
		}
		if backoff > maxBackoff {
			return fmt.Errorf("max backoff reached: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (n *Network) handleMessages(ctx context.Context, sub *pubsub.Subscription, self peer.ID) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Subscription cancelled or context done
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == self {
			continue
		}

		go n.processMessage(ctx, msg)
	}
}

func (n *Network) processMessage(ctx context.Context, msg *pubsub.Message) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		n.logger.Debug("Dropping malformed message", zap.String("from", msg.GetFrom().String()), zap.Error(err))
		return
	}

	n.mu.RLock()
	h, ok := n.handlers[m.Type]
	n.mu.RUnlock()
	if !ok {
		return
	}
	h(ctx, msg.GetFrom(), m.Payload)
}

// Publish broadcasts v as a message of type t on the announcement topic.
func (n *Network) Publish(ctx context.Context, t MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if n.host == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(Message{Type: t, Payload: payload, From: n.host.ID()})
	if err != nil {
		return err
	}
	return n.Broadcast(ctx, data)
}

func (n *Network) Broadcast(ctx context.Context, data []byte) error {
	if n.topic == nil {
		return ErrNotStarted
	}
	return n.topic.Publish(ctx, data)
}

func (n *Network) GetPeers() []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

// Stop shuts the network down. It is safe to call more than once.
func (n *Network) Stop() error {
	if n.subscription != nil {
		n.subscription.Cancel()
		n.subscription = nil
	}

	if n.topic != nil {
		n.topic.Close()
		n.topic = nil
	}

	if n.mdns != nil {
		n.mdns.Close()
		n.mdns = nil
	}

	if n.dht != nil {
		err := n.dht.Close()
		n.dht = nil
		if err != nil {
			return err
		}
	}

	if n.host != nil {
		err := n.host.Close()
		n.host = nil
		return err
	}

	return nil
}

func (n *Network) GetHost() host.Host {
	return n.host
}

// ConnectToPeer exports the peer connection functionality
func (n *Network) ConnectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	return n.connectToPeer(ctx, peerInfo)
}
