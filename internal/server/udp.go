package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/audio"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/config"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/protocol"
)

// Drop reasons reported to the PacketRecorder
const (
	dropQueueFull     = "queue_full"
	dropUnknownStream = "unknown_stream"
	dropStreamLimit   = "stream_limit"
	dropOutOfOrder    = "out_of_order"
)

const defaultSweepInterval = 10 * time.Second

// PacketRecorder receives ingest counters. *metrics.Metrics satisfies it.
type PacketRecorder interface {
	RecordPacketReceived()
	RecordPacketProcessed()
	RecordParseError()
	RecordPacketDropped(reason string)
	SetQueueSize(size int)
}

type nopRecorder struct{}

func (nopRecorder) RecordPacketReceived()      {}
func (nopRecorder) RecordPacketProcessed()     {}
func (nopRecorder) RecordParseError()          {}
func (nopRecorder) RecordPacketDropped(string) {}
func (nopRecorder) SetQueueSize(int)           {}

// UDPServer receives scoring streams as UDP packets and drives the engine.
// Packets are sharded by stream ID so each stream is handled by one worker,
// which keeps per-stream state free of locks and chunks in order.
type UDPServer struct {
	conn     *net.UDPConn
	config   *config.ServerConfig
	logger   *slog.Logger
	engine   *engine.Engine
	recorder PacketRecorder

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	recvWG   sync.WaitGroup
	workWG   sync.WaitGroup
	workers  []*worker
	stopOnce sync.Once

	sweepInterval time.Duration
	activeStreams atomic.Int64

	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// streamState is owned by exactly one worker.
type streamState struct {
	sessionID engine.SessionID
	masterID  string
	reorder   *audio.Reorderer
	remote    *net.UDPAddr
	lastSeen  time.Time
}

type worker struct {
	id      int
	queue   chan *incomingPacket
	streams map[uint32]*streamState
}

// ServerOption configures optional UDPServer collaborators.
type ServerOption func(*UDPServer)

// WithPacketRecorder reports ingest counters to r.
func WithPacketRecorder(r PacketRecorder) ServerOption {
	return func(s *UDPServer) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, eng *engine.Engine, opts ...ServerOption) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &UDPServer{
		config:        cfg,
		logger:        logger,
		engine:        eng,
		recorder:      nopRecorder{},
		ctx:           ctx,
		cancel:        cancel,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	n := max(cfg.Workers, 1)
	s.workers = make([]*worker, n)
	for i := range s.workers {
		s.workers[i] = &worker{
			id:      i,
			queue:   make(chan *incomingPacket, max(cfg.QueueSize, 1)),
			streams: make(map[uint32]*streamState),
		}
	}
	return s
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.workers)),
	)

	for _, w := range s.workers {
		s.workWG.Add(1)
		go s.packetProcessor(w)
	}

	s.recvWG.Add(1)
	go s.receiveLoop()

	return nil
}

// LocalAddr returns the bound address, or nil before Start.
func (s *UDPServer) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Sessions still owned by open
// streams are destroyed.
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *UDPServer) stop() {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// Workers stop once the receiver can no longer send to their queues.
	s.recvWG.Wait()
	for _, w := range s.workers {
		close(w.queue)
	}
	s.workWG.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.recvWG.Done()

	buffer := make([]byte, max(s.config.BufferSize, protocol.HeaderSize))

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so cancellation is observed
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.recorder.RecordPacketReceived()

		// Only the header is needed to pick a worker.
		header, err := protocol.ParseHeader(buffer[:n])
		if err != nil {
			s.countParseError(remoteAddr, n, err, -1)
			continue
		}

		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		w := s.workerFor(header.StreamID)
		select {
		case w.queue <- &incomingPacket{data: packetData, remoteAddr: remoteAddr, timestamp: time.Now()}:
			s.recorder.SetQueueSize(s.queueDepth())
		default:
			s.recorder.RecordPacketDropped(dropQueueFull)
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Uint64("stream_id", uint64(header.StreamID)),
				slog.Int("worker_id", w.id),
			)
		}
	}
}

func (s *UDPServer) workerFor(streamID uint32) *worker {
	return s.workers[int(streamID%uint32(len(s.workers)))]
}

func (s *UDPServer) queueDepth() int {
	total := 0
	for _, w := range s.workers {
		total += len(w.queue)
	}
	return total
}

// packetProcessor processes packets for the streams sharded to w
func (s *UDPServer) packetProcessor(w *worker) {
	defer s.workWG.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", w.id))

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case packet, ok := <-w.queue:
			if !ok {
				s.closeStreams(w)
				s.logger.Debug("Packet processor stopped", slog.Int("worker_id", w.id))
				return
			}
			s.handlePacket(w, packet)
		case now := <-ticker.C:
			s.sweepStreams(w, now)
		}
	}
}

func (s *UDPServer) countParseError(remote *net.UDPAddr, size int, err error, workerID int) {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
	s.recorder.RecordParseError()

	s.logger.Error("Failed to parse packet",
		slog.String("remote_addr", remote.String()),
		slog.Int("packet_size", size),
		slog.String("error", err.Error()),
		slog.Int("worker_id", workerID),
	)
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(w *worker, packet *incomingPacket) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.countParseError(packet.remoteAddr, len(packet.data), err, w.id)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.recorder.RecordPacketProcessed()

	h := parsed.Header
	switch h.PacketType {
	case protocol.PacketTypeStart:
		s.processStartPacket(w, h, parsed.Start, packet.remoteAddr)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(w, h, parsed.Audio, packet.timestamp)
	case protocol.PacketTypeFinalize:
		s.processFinalizePacket(w, h, parsed.Finalize, packet.remoteAddr)
	case protocol.PacketTypeEnd:
		s.processEndPacket(w, h)
	default:
		s.logger.Warn("Ignoring packet type",
			slog.Uint64("stream_id", uint64(h.StreamID)),
			slog.String("packet_type", protocol.PacketTypeName(h.PacketType)),
			slog.Int("worker_id", w.id),
		)
	}
}

// processStartPacket creates an engine session and loads the master call.
// The outcome is reported back to the sender as a Result packet.
func (s *UDPServer) processStartPacket(w *worker, h *protocol.Header, p *protocol.StartPayload, remote *net.UDPAddr) {
	logger := s.logger.With(
		slog.Uint64("stream_id", uint64(h.StreamID)),
		slog.String("master_id", p.GetMasterID()),
		slog.Int("worker_id", w.id),
	)

	if st, exists := w.streams[h.StreamID]; exists {
		if st.masterID == p.GetMasterID() {
			logger.Debug("Duplicate start packet ignored")
			return
		}
		// A new start on a live stream begins a fresh attempt.
		s.dropStream(w, h.StreamID, st)
	}

	if limit := s.config.MaxConcurrentStreams; limit > 0 && s.activeStreams.Load() >= int64(limit) {
		s.recorder.RecordPacketDropped(dropStreamLimit)
		logger.Warn("Stream limit reached, refusing start", slog.Int("limit", limit))
		s.reply(remote, h.StreamID, protocol.ResultPayload{Status: uint8(engine.StatusOutOfMemory)})
		return
	}

	created := s.engine.CreateSession(int(p.SampleRate))
	if !created.OK() {
		logger.Error("Failed to create session", slog.String("status", created.Status().String()))
		s.reply(remote, h.StreamID, protocol.ResultPayload{Status: uint8(created.Status())})
		return
	}
	id := created.Value()

	if st := s.engine.LoadMasterCall(s.ctx, id, p.GetMasterID()); !st.OK() {
		s.engine.DestroySession(id)
		logger.Error("Failed to load master call", slog.String("status", st.String()))
		s.reply(remote, h.StreamID, protocol.ResultPayload{Status: uint8(st)})
		return
	}

	w.streams[h.StreamID] = &streamState{
		sessionID: id,
		masterID:  p.GetMasterID(),
		reorder:   audio.NewReorderer(h.StreamID, uint32(max(s.config.ReorderGap, 0))),
		remote:    remote,
		lastSeen:  time.Now(),
	}
	s.activeStreams.Add(1)

	logger.Info("Stream started",
		slog.String("session_id", string(id)),
		slog.Uint64("sample_rate", uint64(p.SampleRate)),
	)
	s.reply(remote, h.StreamID, protocol.ResultPayload{Status: uint8(engine.StatusOK)})
}

// processAudioPacket restores sequence order and feeds released chunks to
// the session.
func (s *UDPServer) processAudioPacket(w *worker, h *protocol.Header, p *protocol.AudioPayload, at time.Time) {
	st, exists := w.streams[h.StreamID]
	if !exists {
		s.recorder.RecordPacketDropped(dropUnknownStream)
		s.logger.Warn("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(h.StreamID)),
			slog.Uint64("sequence", uint64(p.Sequence)),
			slog.Int("worker_id", w.id),
		)
		return
	}
	st.lastSeen = at

	ready, err := st.reorder.Add(p.Sequence, p.Samples)
	if err != nil {
		s.recorder.RecordPacketDropped(dropOutOfOrder)
		s.logger.Debug("Audio packet rejected by reorderer",
			slog.Uint64("stream_id", uint64(h.StreamID)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.feed(st, ready)
}

func (s *UDPServer) feed(st *streamState, chunks [][]float32) {
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		// Drops are counted by the engine observer.
		if status := s.engine.ProcessAudioChunk(st.sessionID, chunk); !status.OK() {
			s.logger.Debug("Chunk not accepted",
				slog.String("session_id", string(st.sessionID)),
				slog.String("status", status.String()),
			)
		}
	}
}

// processFinalizePacket flushes held packets, runs the final analysis and
// replies with the score.
func (s *UDPServer) processFinalizePacket(w *worker, h *protocol.Header, p *protocol.FinalizePayload, remote *net.UDPAddr) {
	st, exists := w.streams[h.StreamID]
	if !exists {
		s.recorder.RecordPacketDropped(dropUnknownStream)
		s.reply(remote, h.StreamID, protocol.ResultPayload{Status: uint8(engine.StatusSessionNotFound)})
		return
	}
	st.lastSeen = time.Now()

	s.feed(st, st.reorder.Flush())

	stats := st.reorder.GetStats()
	if p.LastSequence != stats.LastSequence {
		s.logger.Warn("Finalize before all audio arrived",
			slog.Uint64("stream_id", uint64(h.StreamID)),
			slog.Uint64("last_sequence", uint64(p.LastSequence)),
			slog.Uint64("received_through", uint64(stats.LastSequence)),
		)
	}

	res := s.engine.FinalizeSessionAnalysis(s.ctx, st.sessionID)
	m := res.Value()
	s.logger.Info("Stream finalized",
		slog.Uint64("stream_id", uint64(h.StreamID)),
		slog.String("session_id", string(st.sessionID)),
		slog.String("status", res.Status().String()),
		slog.Float64("score", m.SimilarityAtFinalize),
		slog.Uint64("lost_packets", uint64(stats.LostPackets)),
	)
	s.reply(remote, h.StreamID, protocol.ResultPayload{
		Status:   uint8(res.Status()),
		Reliable: m.Reliable,
		Score:    m.SimilarityAtFinalize,
		Frames:   uint32(m.UserFrames),
	})
}

func (s *UDPServer) processEndPacket(w *worker, h *protocol.Header) {
	st, exists := w.streams[h.StreamID]
	if !exists {
		s.recorder.RecordPacketDropped(dropUnknownStream)
		return
	}
	s.dropStream(w, h.StreamID, st)
	s.logger.Info("Stream ended",
		slog.Uint64("stream_id", uint64(h.StreamID)),
		slog.String("session_id", string(st.sessionID)),
	)
}

func (s *UDPServer) dropStream(w *worker, streamID uint32, st *streamState) {
	s.engine.DestroySession(st.sessionID)
	delete(w.streams, streamID)
	s.activeStreams.Add(-1)
}

// sweepStreams forgets streams whose session is gone, either destroyed by
// the engine's idle janitor or never ended by the client.
func (s *UDPServer) sweepStreams(w *worker, now time.Time) {
	idle := s.engine.Config().IdleTimeout
	for streamID, st := range w.streams {
		gone := !s.engine.Session(st.sessionID).OK()
		if gone || (idle > 0 && now.Sub(st.lastSeen) > idle) {
			s.logger.Info("Removing stale stream",
				slog.Uint64("stream_id", uint64(streamID)),
				slog.String("session_id", string(st.sessionID)),
				slog.Bool("session_gone", gone),
			)
			s.dropStream(w, streamID, st)
		}
	}
}

func (s *UDPServer) closeStreams(w *worker) {
	for streamID, st := range w.streams {
		s.dropStream(w, streamID, st)
	}
}

func (s *UDPServer) reply(remote *net.UDPAddr, streamID uint32, r protocol.ResultPayload) {
	if remote == nil || s.conn == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(protocol.EncodeResult(streamID, r), remote); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("Failed to send result packet",
			slog.String("remote_addr", remote.String()),
			slog.String("error", err.Error()),
		)
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queueCap := 0
	for _, w := range s.workers {
		queueCap += cap(w.queue)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		ActiveStreams:    uint64(max(s.activeStreams.Load(), 0)),
		QueueSize:        uint64(s.queueDepth()),
		QueueCapacity:    uint64(queueCap),
		Workers:          len(s.workers),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
	Workers          int    `json:"workers"`
}
