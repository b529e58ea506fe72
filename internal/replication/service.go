package replication

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/log"
	"github.com/cuemby/solidb/pkg/metrics"
)

// PeersConfigKey is the _system._config document persisting discovered
// peer addresses across restarts.
const PeersConfigKey = "cluster_peers"

const (
	pingInterval    = 1 * time.Second
	syncTimeout     = 30 * time.Second
	tickInterval    = 100 * time.Millisecond
	pushBatchSize   = 5000
	maxBackoff      = 30 * time.Second
	authPeekTimeout = 500 * time.Millisecond
	authTimeout     = 10 * time.Second

	// Discovered peers are dropped after this many failed connection
	// attempts; configured peers are never dropped.
	maxFailuresDiscovered = 5
)

// Config configures a replication Service.
type Config struct {
	ListenAddr string
	// AdvertiseAddr is the address peers can reach this node at. It is
	// also the node's identity in shard routing's sorted node list.
	AdvertiseAddr string
	Peers         []string
	// Keyfile, when non-empty, enables the HMAC challenge handshake on
	// both sides.
	Keyfile   string
	Retention uint64
}

// Service is the peer-to-peer replication endpoint: it accepts inbound
// peer connections, runs one sync loop per outbound peer, and applies
// everything that arrives through the Applier.
type Service struct {
	cfg     Config
	eng     *engine.Engine
	replLog *Log
	peers   *Peers
	applier *Applier
	broker  *events.Broker
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener net.Listener

	loopMu      sync.Mutex
	activeLoops map[string]bool

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	monitor *healthMonitor
}

// NewService builds a Service over eng. The replication log is opened
// in eng's KV store; saved peers are merged with the configured list.
func NewService(eng *engine.Engine, cfg Config) (*Service, error) {
	replLog, err := OpenLog(eng.Store(), eng.NodeID(), cfg.Retention)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		eng:         eng,
		replLog:     replLog,
		peers:       NewPeers(cfg.Peers),
		logger:      log.WithComponent("replication"),
		ctx:         ctx,
		cancel:      cancel,
		activeLoops: map[string]bool{},
		conns:       map[net.Conn]struct{}{},
	}
	for _, addr := range s.loadSavedPeers() {
		if addr != cfg.AdvertiseAddr {
			s.peers.Add(addr)
		}
	}
	s.applier = NewApplier(eng, cfg.AdvertiseAddr, s.clusterNodes)
	return s, nil
}

// SetBroker attaches a cluster event broker for node join/leave events.
func (s *Service) SetBroker(b *events.Broker) { s.broker = b }

func (s *Service) publish(t events.EventType, msg string) {
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: t, Message: msg})
	}
}

// Log returns the node's replication log.
func (s *Service) Log() *Log { return s.replLog }

// Peers returns the peer-state table.
func (s *Service) Peers() *Peers { return s.peers }

// Applier returns the apply-side state, for status introspection.
func (s *Service) Applier() *Applier { return s.applier }

// NodeID returns the owning node's id.
func (s *Service) NodeID() string { return s.eng.NodeID() }

// AdvertiseAddr returns the node's shard-routing identity.
func (s *Service) AdvertiseAddr() string { return s.cfg.AdvertiseAddr }

// clusterNodes is the shard filter's view of the cluster: every known
// peer address plus our own.
func (s *Service) clusterNodes() []string {
	return append(s.peers.Addresses(), s.cfg.AdvertiseAddr)
}

// HealthyNodes returns nodes responding within the last-seen window
// and passing the active probe, plus ourselves — the healer's input.
func (s *Service) HealthyNodes() []string {
	var out []string
	for _, addr := range s.peers.HealthyAddresses(5 * time.Minute) {
		if s.probeHealthy(addr) {
			out = append(out, addr)
		}
	}
	return append(out, s.cfg.AdvertiseAddr)
}

// AllNodes returns every known node address including ourselves.
func (s *Service) AllNodes() []string { return s.clusterNodes() }

// Start begins accepting inbound connections and launches one sync
// loop per known peer.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	if s.cfg.AdvertiseAddr == "" {
		s.cfg.AdvertiseAddr = ln.Addr().String()
		s.applier.selfAddr = s.cfg.AdvertiseAddr
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("replication listening")

	s.wg.Add(1)
	go s.acceptLoop()

	for _, addr := range s.peers.Addresses() {
		s.startPeerLoop(addr)
	}
	return nil
}

// ListenAddr returns the bound listen address (useful when configured
// with port 0).
func (s *Service) ListenAddr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop notifies peers, stops every loop, closes live connections, and
// waits for everything to drain.
func (s *Service) Stop() {
	s.broadcastLeave()
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Service) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Service) broadcastLeave() {
	leave := Message{Type: MsgLeaveNotification, FromNode: s.NodeID()}
	for _, addr := range s.peers.ConnectedAddresses() {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			continue
		}
		_ = WriteMessage(conn, leave)
		_ = conn.Close()
	}
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			defer conn.Close()
			if err := s.handleConnection(conn); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("inbound connection closed")
			}
		}()
	}
}

// handleConnection serves one inbound peer connection: optional HMAC
// handshake, then the request/response message loop.
func (s *Service) handleConnection(conn net.Conn) error {
	reader := NewLineReader(conn)
	remote := conn.RemoteAddr().String()

	if s.cfg.Keyfile != "" {
		challenge := uuid.NewString()
		if err := WriteMessage(conn, Message{Type: MsgAuthChallenge, Challenge: challenge}); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
		resp, err := ReadMessage(reader)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			return err
		}
		if resp.Type != MsgAuthResponse || !VerifyAuthResponse(s.cfg.Keyfile, challenge, resp.Response) {
			_ = WriteMessage(conn, Message{Type: MsgAuthResult, Success: false, Text: "authentication failed"})
			s.logger.Warn().Str("remote", remote).Msg("peer failed authentication")
			return nil
		}
		if err := WriteMessage(conn, Message{Type: MsgAuthResult, Success: true, Text: "authentication successful"}); err != nil {
			return err
		}
	}

	// The peer's replication address, learned from its Ping: advertised
	// port joined with the connection's source IP.
	peerAddr := ""
	connID := uint64(0)

	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}
		msg, err := ReadMessage(reader)
		if err != nil {
			if peerAddr != "" {
				s.peers.SetConnected(peerAddr, false)
			}
			return err
		}

		if msg.Type == MsgPing && msg.ReplicationAddr != "" {
			if learned := joinAdvertisedAddr(remote, msg.ReplicationAddr); learned != "" && learned != s.cfg.AdvertiseAddr {
				peerAddr = learned
				if s.peers.Add(peerAddr) {
					s.publish(events.EventNodeJoined, peerAddr)
				}
				s.peers.LearnNodeID(peerAddr, msg.FromNode)
				if connID == 0 {
					connID = s.peers.BindConn(peerAddr)
				}
				s.startPeerLoop(peerAddr)
			}
		}

		if msg.Type == MsgFullSyncRequest {
			s.logger.Info().Str("peer", msg.FromNode).Msg("full sync requested")
			if err := s.sendFullSync(conn); err != nil {
				return err
			}
			continue
		}

		effective := peerAddr
		if effective == "" {
			effective = remote
		}
		if resp := s.handleMessage(msg, effective, connID); resp != nil {
			if err := WriteMessage(conn, *resp); err != nil {
				return err
			}
		}
	}
}

// joinAdvertisedAddr combines the advertised port with the source IP of
// the live connection, so NATed peers register with a reachable address.
func joinAdvertisedAddr(remote, advertised string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return ""
	}
	idx := strings.LastIndex(advertised, ":")
	if idx < 0 {
		return ""
	}
	return net.JoinHostPort(host, advertised[idx+1:])
}

// handleMessage processes one steady-state message and returns the
// response to write, if any.
func (s *Service) handleMessage(msg Message, fromAddr string, connID uint64) *Message {
	switch msg.Type {
	case MsgPing:
		return &Message{
			Type:            MsgPong,
			FromNode:        s.NodeID(),
			CurrentSequence: s.replLog.CurrentSequence(),
			KnownPeers:      s.peers.ConnectedAddresses(),
		}

	case MsgPong:
		s.peers.LearnNodeID(fromAddr, msg.FromNode)
		metrics.ReplicationLagEntries.WithLabelValues(fromAddr).Set(float64(
			sub64(s.replLog.CurrentSequence(), s.peers.LastSent(fromAddr))))
		for _, addr := range msg.KnownPeers {
			s.tryConnect(addr)
		}
		return nil

	case MsgSyncRequest:
		entries, err := s.replLog.EntriesAfter(msg.AfterSequence, pushBatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("reading log for sync request failed")
			entries = nil
		}
		return &Message{
			Type:            MsgSyncResponse,
			FromNode:        s.NodeID(),
			Entries:         entries,
			CurrentSequence: s.replLog.CurrentSequence(),
		}

	case MsgSyncResponse, MsgPushEntries:
		if len(msg.Entries) == 0 {
			return nil
		}
		if !s.applier.Apply(msg.Entries) {
			// Partial failure: do not advance the received cursor, so the
			// whole range is requested again.
			return nil
		}
		last := msg.Entries[len(msg.Entries)-1].Sequence
		s.peers.UpdateReceived(fromAddr, last)
		return &Message{Type: MsgAck, FromNode: s.NodeID(), UpToSequence: last}

	case MsgAck:
		if !s.peers.UpdateAcked(connID, msg.UpToSequence) {
			s.logger.Debug().Str("from", fromAddr).Uint64("seq", msg.UpToSequence).Msg("ack for unbound connection dropped")
		}
		return nil

	case MsgLeaveNotification:
		s.logger.Info().Str("node", msg.FromNode).Msg("peer leaving")
		s.peers.SetConnected(fromAddr, false)
		s.publish(events.EventNodeLeft, msg.FromNode)
		return nil

	case MsgFullSyncStart:
		s.logger.Info().
			Int("databases", msg.TotalDatabases).
			Int("collections", msg.TotalCollections).
			Int("documents", msg.TotalDocuments).
			Msg("full sync starting")
		return nil

	case MsgFullSyncDatabase:
		if _, err := s.eng.EnsureDatabase(msg.Name); err != nil {
			s.logger.Error().Err(err).Str("database", msg.Name).Msg("full sync create database failed")
		}
		return nil

	case MsgFullSyncCollection:
		if db, err := s.eng.EnsureDatabase(msg.Database); err == nil {
			if _, cerr := db.EnsureCollection(msg.Name); cerr != nil {
				s.logger.Error().Err(cerr).Str("collection", msg.Name).Msg("full sync create collection failed")
			}
		}
		return nil

	case MsgFullSyncDocuments:
		s.receiveFullSyncDocuments(msg)
		return nil

	case MsgFullSyncProgress:
		s.logger.Debug().Str("phase", msg.Phase).Int("current", msg.Current).Int("total", msg.Total).Msg("full sync progress")
		return nil

	case MsgFullSyncComplete:
		// Record the sender's sequence so incremental sync does not
		// replay the history the snapshot already covered.
		if err := s.applier.SetAppliedSequence(msg.FromNode, msg.CurrentSequence); err != nil {
			s.logger.Error().Err(err).Msg("persisting full sync checkpoint failed")
		}
		s.peers.UpdateReceived(fromAddr, msg.CurrentSequence)
		s.logger.Info().Uint64("sequence", msg.CurrentSequence).Msg("full sync complete")
		return nil

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unknown message type skipped")
		return nil
	}
}

func sub64(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// tryConnect launches a sync loop toward addr if it is new and not us.
func (s *Service) tryConnect(addr string) {
	if addr == "" || addr == s.cfg.AdvertiseAddr {
		return
	}
	if s.peers.Add(addr) {
		s.publish(events.EventNodeJoined, addr)
	}
	s.startPeerLoop(addr)
}

func (s *Service) startPeerLoop(addr string) {
	s.loopMu.Lock()
	if s.activeLoops[addr] {
		s.loopMu.Unlock()
		return
	}
	s.activeLoops[addr] = true
	s.loopMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.loopMu.Lock()
			delete(s.activeLoops, addr)
			s.loopMu.Unlock()
		}()
		s.peerLoop(addr)
	}()
}

// peerLoop dials addr with exponential backoff until the service stops.
// Discovered peers are forgotten after maxFailuresDiscovered failed
// dials in a row; configured peers are retried until the service stops.
func (s *Service) peerLoop(addr string) {
	logger := s.logger.With().Str("peer", addr).Logger()
	retryDelay := time.Second
	failures := 0
	configured := s.peers.IsConfigured(addr)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			failures++
			if !configured && failures >= maxFailuresDiscovered {
				logger.Warn().Int("attempts", failures).Msg("removing unreachable peer")
				s.peers.Remove(addr)
				s.publish(events.EventNodeDown, addr)
				return
			}
		} else {
			failures = 0
			retryDelay = time.Second
			connID := s.peers.BindConn(addr)
			s.trackConn(conn)
			logger.Debug().Msg("peer connected")
			if err := s.syncWithPeer(conn, addr, connID); err != nil {
				logger.Warn().Err(err).Msg("peer sync ended")
			}
			_ = conn.Close()
			s.untrackConn(conn)
			s.peers.SetConnected(addr, false)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxBackoff {
			retryDelay = maxBackoff
		}
	}
}

// syncWithPeer drives one established outbound connection: optional
// auth, bootstrap full sync when this node is empty, then the
// pull+push loop.
func (s *Service) syncWithPeer(conn net.Conn, addr string, connID uint64) error {
	reader := NewLineReader(conn)

	stashed, err := s.clientAuth(conn, reader, addr)
	if err != nil {
		return err
	}

	if s.needFullSync() {
		s.logger.Info().Str("peer", addr).Msg("requesting full sync (new node)")
		if err := WriteMessage(conn, Message{Type: MsgFullSyncRequest, FromNode: s.NodeID()}); err != nil {
			return err
		}
		for {
			msg, rerr := ReadMessage(reader)
			if rerr != nil {
				return rerr
			}
			s.handleMessage(msg, addr, connID)
			if msg.Type == MsgFullSyncComplete {
				break
			}
		}
	}

	// Announce ourselves and ask for everything we have not seen.
	if err := WriteMessage(conn, Message{Type: MsgPing, FromNode: s.NodeID(), ReplicationAddr: s.cfg.AdvertiseAddr}); err != nil {
		return err
	}
	if err := WriteMessage(conn, Message{Type: MsgSyncRequest, FromNode: s.NodeID(), AfterSequence: s.peers.LastReceived(addr)}); err != nil {
		return err
	}
	syncPendingSince := time.Now()

	type readResult struct {
		msg Message
		err error
	}
	msgs := make(chan readResult, 16)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		if stashed != nil {
			msgs <- readResult{msg: *stashed}
		}
		for {
			msg, rerr := ReadMessage(reader)
			msgs <- readResult{msg: msg, err: rerr}
			if rerr != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		// Drain so the reader goroutine can observe the closed socket.
		for {
			select {
			case <-msgs:
			case <-readerDone:
				return
			}
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastPing := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case <-ticker.C:
			if time.Since(lastPing) >= pingInterval {
				if err := WriteMessage(conn, Message{Type: MsgPing, FromNode: s.NodeID(), ReplicationAddr: s.cfg.AdvertiseAddr}); err != nil {
					return err
				}
				lastPing = time.Now()
			}

			// PULL: one request in flight; re-issue after the timeout.
			if syncPendingSince.IsZero() || time.Since(syncPendingSince) > syncTimeout {
				if !syncPendingSince.IsZero() {
					s.logger.Warn().Str("peer", addr).Msg("sync request timed out, retrying")
				}
				if err := WriteMessage(conn, Message{Type: MsgSyncRequest, FromNode: s.NodeID(), AfterSequence: s.peers.LastReceived(addr)}); err != nil {
					return err
				}
				syncPendingSince = time.Now()
			}

			// PUSH: everything past the peer's sent cursor, batched.
			lastSent := s.peers.LastSent(addr)
			entries, lerr := s.replLog.EntriesAfter(lastSent, pushBatchSize)
			if lerr != nil {
				s.logger.Error().Err(lerr).Msg("reading log for push failed")
				continue
			}
			if len(entries) > 0 {
				if err := WriteMessage(conn, Message{Type: MsgPushEntries, FromNode: s.NodeID(), Entries: entries}); err != nil {
					return err
				}
				s.peers.UpdateSent(addr, entries[len(entries)-1].Sequence)
			}

		case r := <-msgs:
			if r.err != nil {
				return r.err
			}
			if r.msg.Type == MsgSyncResponse {
				syncPendingSince = time.Time{}
			}
			if resp := s.handleMessage(r.msg, addr, connID); resp != nil {
				if err := WriteMessage(conn, *resp); err != nil {
					return err
				}
			}
		}
	}
}

// clientAuth peeks for an AuthChallenge with a short deadline. A server
// without auth never speaks first, so a timeout means "no challenge";
// any other early message is stashed for the main loop.
func (s *Service) clientAuth(conn net.Conn, reader *bufio.Reader, addr string) (*Message, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authPeekTimeout))
	msg, err := ReadMessage(reader)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	if msg.Type != MsgAuthChallenge {
		return &msg, nil
	}
	if s.cfg.Keyfile == "" {
		return nil, errors.New("peer requires authentication but no keyfile configured")
	}
	if err := WriteMessage(conn, Message{Type: MsgAuthResponse, Response: ComputeAuthResponse(s.cfg.Keyfile, msg.Challenge)}); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	result, err := ReadMessage(reader)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}
	if result.Type != MsgAuthResult || !result.Success {
		return nil, errors.New("authentication failed: " + result.Text)
	}
	s.logger.Debug().Str("peer", addr).Msg("authenticated")
	return nil, nil
}

// needFullSync reports whether this node should bootstrap from a peer
// snapshot: nothing in the log and no user databases.
func (s *Service) needFullSync() bool {
	return s.replLog.CurrentSequence() == 0 && s.eng.UserDatabaseCount() == 0
}

// loadSavedPeers reads discovered-peer addresses persisted in
// _system._config.
func (s *Service) loadSavedPeers() []string {
	data, ok, err := s.eng.ConfigGet(PeersConfigKey)
	if err != nil || !ok {
		return nil
	}
	peersVal, found := data["peers"]
	if !found || peersVal.Kind != value.KindArray {
		return nil
	}
	var out []string
	for _, v := range peersVal.Array {
		if v.Kind == value.KindString {
			out = append(out, v.Str)
		}
	}
	return out
}

// SavePeers persists the current peer address list.
func (s *Service) SavePeers() error {
	addrs := s.peers.Addresses()
	arr := make([]value.Value, 0, len(addrs))
	for _, a := range addrs {
		arr = append(arr, value.String(a))
	}
	return s.eng.ConfigPut(PeersConfigKey, map[string]value.Value{"peers": value.Array(arr)})
}

// RecordWrite appends one local mutation to the replication log for
// propagation to peers.
func (s *Service) RecordWrite(database, collection string, op Operation, docKey string, docData []byte, prevRev string) (uint64, error) {
	entry := Entry{
		HLC:          s.eng.Clock().Now(),
		Database:     database,
		Collection:   collection,
		Operation:    op,
		DocumentKey:  docKey,
		DocumentData: docData,
		PrevRev:      prevRev,
	}
	return s.replLog.Append(entry)
}

// RecordBatch appends many local mutations atomically, stamping any
// entry the caller left without an HLC.
func (s *Service) RecordBatch(entries []Entry) (uint64, error) {
	for i := range entries {
		if entries[i].HLC == (hlc.Timestamp{}) {
			entries[i].HLC = s.eng.Clock().Now()
		}
	}
	return s.replLog.AppendBatch(entries)
}

// RecordBlobChunk appends one blob-chunk write.
func (s *Service) RecordBlobChunk(database, collection, docKey string, chunk uint32, data []byte) (uint64, error) {
	entry := Entry{
		HLC:          s.eng.Clock().Now(),
		Database:     database,
		Collection:   collection,
		Operation:    OpPutBlobChunk,
		DocumentKey:  docKey,
		DocumentData: data,
		ChunkIndex:   &chunk,
	}
	return s.replLog.Append(entry)
}
