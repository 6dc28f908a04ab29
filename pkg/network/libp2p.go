package network

import (
	"context"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/reliquary/core/pkg/consensus"
)

const (
	topicConsensus        = "reliquary-consensus"
	protocolDirect        = protocol.ID("/reliquary/consensus/direct/1.0.0")
)

// Libp2pNetwork is the production consensus.Network: every broadcast
// message (PRE_PREPARE/PREPARE/COMMIT/VIEW_CHANGE/NEW_VIEW) rides a single
// gossipsub topic, and SendTo opens a direct stream to the target peer,
// the same split the teacher's pkg/p2p uses between its propose/prepare
// topics and its unicast vote stream.
type Libp2pNetwork struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self consensus.NodeID

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	peerMu  sync.RWMutex
	peerIDs map[consensus.NodeID]peer.ID

	handlerMu sync.RWMutex
	handler   consensus.Handler
}

// Libp2pConfig configures a Libp2pNetwork.
type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     consensus.NodeID
	Peers      map[consensus.NodeID]string // NodeID -> multiaddr, for SendTo routing
	Logger     *zap.SugaredLogger
}

// NewLibp2pNetwork starts a libp2p host, joins the consensus gossip topic,
// and connects to any configured bootstrap/peer addresses.
func NewLibp2pNetwork(ctx context.Context, cfg Libp2pConfig) (*Libp2pNetwork, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Libp2pNetwork{
		h:       h,
		ps:      ps,
		log:     cfg.Logger,
		self:    cfg.SelfID,
		peerIDs: make(map[consensus.NodeID]peer.ID),
	}

	for _, addr := range cfg.Bootstrap {
		if err := n.connect(ctx, addr); err != nil && n.log != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", addr, "err", err)
		}
	}
	for id, addr := range cfg.Peers {
		if err := n.connectNamed(ctx, id, addr); err != nil && n.log != nil {
			n.log.Warnw("peer_connect_failed", "node", id, "addr", addr, "err", err)
		}
	}

	n.topic, err = n.ps.Join(topicConsensus)
	if err != nil {
		return nil, err
	}
	n.sub, err = n.topic.Subscribe()
	if err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolDirect, n.handleDirectStream)
	go n.readLoop(ctx)

	if n.log != nil {
		n.log.Infow("libp2p_network_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func (n *Libp2pNetwork) connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *Libp2pNetwork) connectNamed(ctx context.Context, id consensus.NodeID, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	if err := n.h.Connect(ctx, *info); err != nil {
		return err
	}
	n.peerMu.Lock()
	n.peerIDs[id] = info.ID
	n.peerMu.Unlock()
	return nil
}

func (n *Libp2pNetwork) SetHandler(h consensus.Handler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

func (n *Libp2pNetwork) Broadcast(ctx context.Context, msg consensus.ConsensusMessage) error {
	data, err := gobEncode(toWire(msg))
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

func (n *Libp2pNetwork) SendTo(ctx context.Context, to consensus.NodeID, msg consensus.ConsensusMessage) error {
	if to == n.self {
		n.deliver(ctx, msg)
		return nil
	}
	n.peerMu.RLock()
	pid, ok := n.peerIDs[to]
	n.peerMu.RUnlock()
	if !ok {
		// No known direct route: fall back to gossip, which every member
		// subscribes to anyway. Recipients other than `to` receive and
		// handle it as well.
		return n.Broadcast(ctx, msg)
	}

	stream, err := n.h.NewStream(ctx, pid, protocolDirect)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := gobEncode(toWire(msg))
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

func (n *Libp2pNetwork) readLoop(ctx context.Context) {
	for {
		raw, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		var w MessageWire
		if err := gobDecode(raw.Data, &w); err != nil {
			continue
		}
		n.deliver(ctx, fromWire(w))
	}
}

func (n *Libp2pNetwork) handleDirectStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var w MessageWire
	if err := gobDecode(data, &w); err != nil {
		return
	}
	n.deliver(context.Background(), fromWire(w))
}

func (n *Libp2pNetwork) deliver(ctx context.Context, msg consensus.ConsensusMessage) {
	n.handlerMu.RLock()
	h := n.handler
	n.handlerMu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}

// Host exposes the underlying libp2p host, e.g. for logging its listen
// addresses at startup.
func (n *Libp2pNetwork) Host() host.Host { return n.h }
