package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"Ethy/internal/api"
	"Ethy/internal/bridge"
	"Ethy/internal/gossip"
	"Ethy/internal/keystore"
	"Ethy/internal/logger"
	"Ethy/internal/metrics"
	"Ethy/internal/network"
	"Ethy/internal/notary"
	"Ethy/internal/notification"
	"Ethy/internal/snapshot"
	"Ethy/internal/storage"
	"Ethy/internal/witness"
	"Ethy/internal/xrpl"
)

// Node wires the witness, notary and API components together.
type Node struct {
	cfg        *Config             // cfg is the validated configuration
	storage    *storage.Storage    // storage is the pebble database
	proofs     *storage.ProofStore // proofs holds sealed proofs and validator sets
	keys       *keystore.Keystore  // keys holds authority keys, nil on a passive node
	metrics    *metrics.Metrics    // metrics is the prometheus registry
	validator  *gossip.Validator   // validator polices witness gossip
	feed       *witness.Feed       // feed stores ingested finalized headers
	worker     *witness.Worker     // worker assembles proofs
	hub        *notification.Hub   // hub fans proofs out to subscribers
	transport  *network.Node       // transport is the QUIC node
	gossip     *network.Engine     // gossip validates and relays topics
	notary     *notary.Engine      // notary notarizes chain calls
	challenges *notary.QueueSource // challenges queues challenged XRPL transactions
	api        *api.Server         // api serves queries and ingest

	witnesses     <-chan []byte // witnesses are validated witness messages
	notarizations <-chan []byte // notarizations are validated notary messages

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg waits for background goroutines
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config, key ed25519.PrivateKey) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{cfg: cfg, ctx: ctx, cancel: cancel}

	inits := []func() error{
		n.initMetrics,
		n.initStorage,
		n.initKeystore,
		n.initWitness,
		func() error { return n.initNetwork(key) },
		n.initNotary,
		n.initAPI,
	}

	for _, fn := range inits {
		if err := fn(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage opens the database, restoring a snapshot into an empty one.
func (n *Node) initStorage() error {
	db, err := storage.New(filepath.Join(n.cfg.Node.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.proofs = storage.NewProofStore(db)

	if n.cfg.Snapshot.Path != "" {
		if _, err := snapshot.Restore(n.cfg.Snapshot.Path, db); err != nil {
			return fmt.Errorf("restore snapshot:\n%w", err)
		}
	}

	return nil
}

// initMetrics creates the prometheus registry.
func (n *Node) initMetrics() error {
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("init metrics:\n%w", err)
	}

	n.metrics = m

	return nil
}

// initKeystore opens the authority keystore, generating a key on first use.
func (n *Node) initKeystore() error {
	if n.cfg.Ethy.KeystoreDir == "" {
		logger.Info("no keystore configured, running passive")
		return nil
	}

	ks, err := keystore.Open(n.cfg.Ethy.KeystoreDir)
	if err != nil {
		return fmt.Errorf("open keystore:\n%w", err)
	}

	if len(ks.PublicKeys()) == 0 {
		id, err := ks.Generate()
		if err != nil {
			return fmt.Errorf("generate authority key:\n%w", err)
		}
		logger.Info("generated authority key", "authority", id.String())
	}

	for _, id := range ks.PublicKeys() {
		logger.Info("authority key loaded", "authority", id.Short())
	}

	n.keys = ks

	return nil
}

// initWitness creates the gossip validator, the feed and the proof worker.
func (n *Node) initWitness() error {
	initial, _ := n.proofs.LatestValidatorSet()
	xrplSigners, _ := n.proofs.XrplSigners()

	n.validator = gossip.NewValidator(n.cfg.gossipConfig(), initial, gossip.WithMetrics(n.metrics))
	n.feed = witness.NewFeed(n.cfg.Ethy.FeedRetain)
	n.hub = notification.NewHub(notification.DefaultBuffer, n.metrics)

	params := witness.WorkerParams{
		Feed:        n.feed,
		Validator:   n.validator,
		Store:       n.proofs,
		Notifier:    n.hub,
		Gossip:      witnessGossip{n},
		Metrics:     n.metrics,
		Initial:     initial,
		XrplSigners: xrplSigners,
	}
	if n.keys != nil {
		params.Signer = n.keys
	}

	n.worker = witness.NewWorker(params, nil)

	return nil
}

// initNetwork creates the QUIC transport and the topic engine.
func (n *Node) initNetwork(key ed25519.PrivateKey) error {
	transport, err := network.NewNode(network.Config{
		PrivateKey: key,
		ListenAddr: n.cfg.Node.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.transport = transport
	n.gossip = network.NewEngine(transport, network.EngineConfig{
		Fanout:              n.cfg.Ethy.Fanout,
		RebroadcastInterval: n.cfg.Ethy.RebroadcastInterval,
	})
	n.witnesses = n.gossip.Register(network.TopicWitness, n.validator)

	transport.OnMessage(func(p *network.Peer, data []byte) {
		n.gossip.HandleMessage(p.ID(), data)
	})
	transport.OnConnect(func(p *network.Peer) {
		logger.Info("peer connected", "peer", p.ID(), "addr", p.Address())
	})
	transport.OnDisconnect(func(p *network.Peer) {
		logger.Info("peer disconnected", "peer", p.ID())
	})

	return nil
}

// initNotary creates the chain-call notarization engine.
func (n *Node) initNotary() error {
	n.challenges = notary.NewQueueSource()

	params := notary.Params{
		Config:    n.cfg.notaryConfig(),
		DB:        n.storage,
		Source:    n.challenges,
		Callback:  n,
		Checker:   xrpl.NewClient(n.cfg.Notary.XrplURL),
		Submitter: n,
		Metrics:   n.metrics,
	}
	if n.keys != nil {
		params.Keys = n.keys
	}

	engine, err := notary.NewEngine(params)
	if err != nil {
		return fmt.Errorf("init notary:\n%w", err)
	}

	n.notary = engine
	n.notarizations = n.gossip.Register(network.TopicNotarization, engine)

	return nil
}

// initAPI creates the HTTP API server.
func (n *Node) initAPI() error {
	n.api = api.New(api.Params{
		Addr:        n.cfg.Node.HTTPAddress,
		Proofs:      n.proofs,
		Hub:         n.hub,
		Status:      n,
		Resolutions: n.notary,
		Headers:     n,
		Challenges:  n.challenges,
		Metrics:     n.metrics,
	})

	return nil
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.transport.ConnectAll(n.cfg.Node.Peers)
	n.gossip.Start()

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.worker.Run(n.ctx, n.witnesses)
	}()
	go func() {
		defer n.wg.Done()
		n.drainNotarizations()
	}()

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// drainNotarizations consumes delivered notarizations. Pool admission happened during validation.
func (n *Node) drainNotarizations() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case data := <-n.notarizations:
			logger.Debug("notarization received", "len", len(data))
		}
	}
}

// Ingest pushes a finalized header and runs one notarization round for it.
func (n *Node) Ingest(h *witness.FinalizedHeader, notaryKeys [][]byte) error {
	if len(notaryKeys) > 0 {
		keys, err := notary.ParsePublicKeys(notaryKeys)
		if err != nil {
			return fmt.Errorf("notary keys:\n%w", err)
		}
		n.notary.SetNotaryKeys(keys)
	}

	if err := n.feed.Push(h); err != nil {
		return fmt.Errorf("push header:\n%w", err)
	}

	if _, err := n.notary.Schedule(n.cfg.Notary.CallsPerBlock); err != nil {
		logger.Error("schedule chain calls failed", "block", h.Number, "error", err)
	}

	if local, index, ok := n.localAuthority(h); ok {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			sent, err := n.notary.RunOffchainRound(n.ctx, local, index)
			if err != nil {
				logger.Warn("off-chain round failed", "block", h.Number, "error", err)
				return
			}
			if sent > 0 {
				logger.Debug("off-chain round done", "block", h.Number, "sent", sent)
			}
		}()
	}

	if applied := n.notary.Dispatch(h.Number); applied > 0 {
		logger.Debug("notarizations applied", "block", h.Number, "count", applied)
	}

	return nil
}

// localAuthority returns the local key and its index in the set active at h.
func (n *Node) localAuthority(h *witness.FinalizedHeader) (bridge.AuthorityID, uint16, bool) {
	if n.keys == nil {
		return bridge.AuthorityID{}, 0, false
	}

	set := h.AuthoritiesChange
	if set == nil {
		set = n.validator.ActiveValidators()
	}

	local, ok := n.keys.FindLocalKey(set.Validators)
	if !ok {
		return bridge.AuthorityID{}, 0, false
	}

	return local, uint16(set.AuthorityIndex(local)), true
}

// Submit validates a local notarization into the pool and gossips it.
func (n *Node) Submit(tx *notary.Transaction) {
	data := tx.Encode()

	if n.notary.Validate("local", data) != gossip.ProcessAndKeep {
		logger.Debug("local notarization not admitted", "call", tx.Payload.CallID)
		return
	}

	if err := n.gossip.Publish(network.TopicNotarization, data); err != nil {
		logger.Warn("publish notarization failed", "call", tx.Payload.CallID, "error", err)
	}
}

// OnResolved logs a decided chain call.
func (n *Node) OnResolved(res notary.Resolution) {
	logger.Info("chain call resolved",
		"call", res.CallID,
		"result", res.Result.Kind(),
		"threshold", res.Reached,
	)
}

// Finalized returns the last processed finalized block.
func (n *Node) Finalized() uint64 {
	return n.worker.Finalized()
}

// ValidatorSetID returns the active validator set id.
func (n *Node) ValidatorSetID() uint64 {
	return n.worker.ValidatorSetID()
}

// Floor returns the gossip floor.
func (n *Node) Floor() uint64 {
	return n.validator.Floor()
}

// PendingCalls returns the number of active chain calls.
func (n *Node) PendingCalls() int {
	return len(n.notary.Pending())
}

// witnessGossip publishes local witnesses on the witness topic.
type witnessGossip struct {
	n *Node
}

// Broadcast publishes an encoded witness.
func (g witnessGossip) Broadcast(data []byte) {
	if err := g.n.gossip.Publish(network.TopicWitness, data); err != nil {
		logger.Warn("publish witness failed", "error", err)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	n.cancel()

	if n.gossip != nil {
		n.gossip.Close()
	}

	if n.transport != nil {
		n.transport.Close()
	}

	n.wg.Wait()

	if n.hub != nil {
		n.hub.Close()
	}

	if n.storage == nil {
		return nil
	}

	if n.cfg.Snapshot.Path != "" {
		if err := snapshot.Save(n.cfg.Snapshot.Path, n.proofs); err != nil {
			logger.Error("write snapshot failed", "error", err)
		}
	}

	return n.storage.Close()
}
