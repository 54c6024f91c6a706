package server

import (
	"net"
	"testing"
	"time"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/config"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/protocol"
)

type countingRecorder struct {
	nopRecorder
	dropped chan string
}

func (c *countingRecorder) RecordPacketDropped(reason string) {
	select {
	case c.dropped <- reason:
	default:
	}
}

func startUDP(t *testing.T, eng *engine.Engine, opts ...ServerOption) (*UDPServer, *net.UDPConn) {
	t.Helper()
	cfg := config.Default().Server
	cfg.UDPPort = 0
	cfg.BindAddress = "127.0.0.1"
	cfg.Workers = 2
	cfg.QueueSize = 256

	srv := NewUDPServer(&cfg, testLogger(), eng, opts...)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func send(t *testing.T, c *net.UDPConn, pkt []byte) {
	t.Helper()
	if _, err := c.Write(pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readResult(t *testing.T, c *net.UDPConn) *protocol.ResultPayload {
	t.Helper()
	buf := make([]byte, 256)
	if err := c.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	p, err := protocol.ParsePacket(buf[:n])
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.Result == nil {
		t.Fatalf("Expected result packet, got %s", p.Header)
	}
	return p.Result
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUDPStreamLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	srv, client := startUDP(t, eng)

	start, err := protocol.EncodeStart(7, testRate, "elk", uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("EncodeStart: %v", err)
	}
	send(t, client, start)
	if r := readResult(t, client); r.Status != uint8(engine.StatusOK) {
		t.Fatalf("Start status %s", engine.Status(r.Status))
	}
	if got := eng.ActiveSessions(); got != 1 {
		t.Fatalf("Expected 1 active session, got %d", got)
	}

	samples := call(600, testRate)
	var packets [][]byte
	for off, seq := 0, uint32(0); off < len(samples); off, seq = off+512, seq+1 {
		pkt, err := protocol.EncodeAudio(7, seq, samples[off:min(off+512, len(samples))])
		if err != nil {
			t.Fatalf("EncodeAudio: %v", err)
		}
		packets = append(packets, pkt)
	}
	// Deliver two packets out of order.
	packets[3], packets[4] = packets[4], packets[3]
	for _, pkt := range packets {
		send(t, client, pkt)
	}

	send(t, client, protocol.EncodeFinalize(7, uint32(len(packets)-1)))
	r := readResult(t, client)
	if r.Status != uint8(engine.StatusOK) {
		t.Fatalf("Finalize status %s", engine.Status(r.Status))
	}
	if r.Score < 0.99 {
		t.Errorf("Expected self-match score near 1, got %f", r.Score)
	}
	if !r.Reliable || r.Frames == 0 {
		t.Errorf("Expected reliable result with frames, got %+v", r)
	}

	send(t, client, protocol.EncodeEnd(7))
	waitFor(t, "session teardown", func() bool { return eng.ActiveSessions() == 0 })

	stats := srv.GetStatistics()
	if stats.ParseErrors != 0 {
		t.Errorf("Unexpected parse errors: %d", stats.ParseErrors)
	}
	if want := uint64(len(packets) + 3); stats.PacketsProcessed != want {
		t.Errorf("Expected %d processed packets, got %d", want, stats.PacketsProcessed)
	}
	if stats.ActiveStreams != 0 {
		t.Errorf("Expected no active streams, got %d", stats.ActiveStreams)
	}
}

func TestUDPStartUnknownMaster(t *testing.T) {
	eng := newTestEngine(t)
	_, client := startUDP(t, eng)

	start, _ := protocol.EncodeStart(1, testRate, "moose", 0)
	send(t, client, start)

	if r := readResult(t, client); r.Status != uint8(engine.StatusFileNotFound) {
		t.Errorf("Expected FILE_NOT_FOUND, got %s", engine.Status(r.Status))
	}
	if got := eng.ActiveSessions(); got != 0 {
		t.Errorf("Failed start left %d sessions", got)
	}
}

func TestUDPFinalizeUnknownStream(t *testing.T) {
	eng := newTestEngine(t)
	_, client := startUDP(t, eng)

	send(t, client, protocol.EncodeFinalize(99, 0))
	if r := readResult(t, client); r.Status != uint8(engine.StatusSessionNotFound) {
		t.Errorf("Expected SESSION_NOT_FOUND, got %s", engine.Status(r.Status))
	}
}

func TestUDPAudioForUnknownStreamIsDropped(t *testing.T) {
	eng := newTestEngine(t)
	rec := &countingRecorder{dropped: make(chan string, 4)}
	_, client := startUDP(t, eng, WithPacketRecorder(rec))

	pkt, _ := protocol.EncodeAudio(42, 0, []float32{0.1, 0.2})
	send(t, client, pkt)

	select {
	case reason := <-rec.dropped:
		if reason != dropUnknownStream {
			t.Errorf("Expected %s, got %s", dropUnknownStream, reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No drop recorded")
	}
}

func TestUDPParseErrorsCounted(t *testing.T) {
	eng := newTestEngine(t)
	srv, client := startUDP(t, eng)

	send(t, client, []byte{0x01, 0x02})                         // short header
	send(t, client, []byte{0x09, 0x00, 0x08, 0, 0, 0, 1, 0x01}) // unknown type

	waitFor(t, "parse errors", func() bool { return srv.GetStatistics().ParseErrors == 2 })
}

func TestUDPStreamLimit(t *testing.T) {
	eng := newTestEngine(t)
	cfg := config.Default().Server
	cfg.UDPPort = 0
	cfg.BindAddress = "127.0.0.1"
	cfg.Workers = 1
	cfg.MaxConcurrentStreams = 1

	srv := NewUDPServer(&cfg, testLogger(), eng)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	client, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	first, _ := protocol.EncodeStart(1, testRate, "elk", 0)
	second, _ := protocol.EncodeStart(2, testRate, "elk", 0)

	send(t, client, first)
	if r := readResult(t, client); r.Status != uint8(engine.StatusOK) {
		t.Fatalf("First start: %s", engine.Status(r.Status))
	}
	send(t, client, second)
	if r := readResult(t, client); r.Status != uint8(engine.StatusOutOfMemory) {
		t.Errorf("Expected OUT_OF_MEMORY for stream over limit, got %s", engine.Status(r.Status))
	}
}

func TestSweepStreamsDropsDestroyedSessions(t *testing.T) {
	eng := newTestEngine(t)
	cfg := config.Default().Server
	srv := NewUDPServer(&cfg, testLogger(), eng)

	w := srv.workers[0]
	id := eng.CreateSession(testRate).Value()
	w.streams[5] = &streamState{sessionID: id, lastSeen: time.Now()}
	srv.activeStreams.Add(1)

	srv.sweepStreams(w, time.Now())
	if len(w.streams) != 1 {
		t.Fatal("Live stream removed")
	}

	eng.DestroySession(id)
	srv.sweepStreams(w, time.Now())
	if len(w.streams) != 0 {
		t.Error("Stream with destroyed session kept")
	}
	if srv.activeStreams.Load() != 0 {
		t.Errorf("Active stream count %d", srv.activeStreams.Load())
	}
}

func TestStopWithoutStart(t *testing.T) {
	eng := newTestEngine(t)
	cfg := config.Default().Server
	srv := NewUDPServer(&cfg, testLogger(), eng)
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestStopTwice(t *testing.T) {
	eng := newTestEngine(t)
	srv, client := startUDP(t, eng)

	start, err := protocol.EncodeStart(9, testRate, "elk", 0)
	if err != nil {
		t.Fatalf("EncodeStart: %v", err)
	}
	send(t, client, start)
	readResult(t, client)

	if err := srv.Stop(); err != nil {
		t.Fatalf("First Stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Second Stop: %v", err)
	}
	if got := eng.ActiveSessions(); got != 0 {
		t.Errorf("Expected stream sessions destroyed on stop, got %d", got)
	}
}
