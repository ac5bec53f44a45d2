package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/sheerbytes/callfiles/internal/logging"
	"github.com/sheerbytes/callfiles/internal/xferr"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

const testChunk = 16

// recordSink captures emitted messages after a wire round trip.
type recordSink struct {
	route  Route
	msgs   []protocol.Message
	paced  int
	failAt int
	err    error
	onPace func(n int) error
}

func newRecordSink(route Route) *recordSink {
	return &recordSink{route: route, failAt: -1}
}

func (s *recordSink) Route() Route { return s.route }

func (s *recordSink) Emit(ctx context.Context, msg protocol.Message) error {
	if s.failAt >= 0 && len(s.msgs) == s.failAt {
		return s.err
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	s.msgs = append(s.msgs, decoded)
	return nil
}

func (s *recordSink) Pace(ctx context.Context) error {
	s.paced++
	if s.onPace != nil {
		return s.onPace(s.paced)
	}
	return nil
}

type harness struct {
	engine    *Engine
	completed []CompletedFile
	failed    []FailedTransfer
}

func newHarness(t *testing.T, local string) *harness {
	t.Helper()
	h := &harness{}
	seq := 0
	h.engine = NewEngine(Config{
		LocalID: local,
		Routes: map[Route]RouteLimits{
			RouteDirect: {ChunkSize: testChunk, MaxBytes: 1 << 20},
			RouteRelay:  {ChunkSize: testChunk, MaxBytes: 4096, ChunkCRC: true},
		},
		Logger: logging.Discard(),
		Now:    func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		NewFileID: func() string {
			seq++
			return fmt.Sprintf("%s-file-%d", local, seq)
		},
		OnCompleted: func(c CompletedFile) { h.completed = append(h.completed, c) },
		OnFailed:    func(f FailedTransfer) { h.failed = append(h.failed, f) },
	})
	return h
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func sendRecorded(t *testing.T, h *harness, route Route, data []byte) (*recordSink, Metadata) {
	t.Helper()
	sink := newRecordSink(route)
	meta, err := h.engine.Send(context.Background(), sink, File{Name: "notes.txt", MimeType: "text/plain", Data: data})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	return sink, meta
}

func deliver(h *harness, from string, route Route, msgs []protocol.Message) {
	for _, m := range msgs {
		h.engine.Handle(from, route, m)
	}
}

// onlyCompleted returns the single received file's payload.
func onlyCompleted(t *testing.T, h *harness) []byte {
	t.Helper()
	if len(h.completed) != 1 {
		t.Fatalf("completed = %d files, want 1 (failed: %v)", len(h.completed), h.failed)
	}
	got, err := h.completed[0].Blob.Bytes()
	if err != nil {
		t.Fatalf("Blob.Bytes() error = %v", err)
	}
	return got
}

func TestRoundTripSizes(t *testing.T) {
	sizes := []int{0, 1, testChunk - 1, testChunk, testChunk + 1, 10*testChunk + 7}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
			data := payload(size)

			sink, meta := sendRecorded(t, alice, RouteRelay, data)
			want := uint32((size + testChunk - 1) / testChunk)
			if meta.TotalChunks != want {
				t.Errorf("TotalChunks = %d, want %d", meta.TotalChunks, want)
			}
			if len(sink.msgs) != int(want)+2 {
				t.Fatalf("emitted %d messages, want %d", len(sink.msgs), want+2)
			}
			if sink.paced != int(want) {
				t.Errorf("paced %d times, want %d", sink.paced, want)
			}

			deliver(bob, "alice", RouteRelay, sink.msgs)

			if got := onlyCompleted(t, bob); !bytes.Equal(data, got) {
				t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(data))
			}
			if got := bob.completed[0].Meta; got.SenderID != "alice" || got.Digest != meta.Digest {
				t.Errorf("received meta = %+v, want sender alice and digest %s", got, meta.Digest)
			}
			if n := bob.engine.Receiving(); n != 0 {
				t.Errorf("Receiving() = %d, want 0", n)
			}

			out := alice.engine.Outgoing()
			if len(out) != 1 || out[0].Status != StatusCompleted || out[0].Progress.Percent != 100 {
				t.Fatalf("outgoing = %+v, want one completed transfer at 100%%", out)
			}
		})
	}
}

func TestChunkCRCPerRoute(t *testing.T) {
	alice := newHarness(t, "alice")
	relay, _ := sendRecorded(t, alice, RouteRelay, payload(40))
	direct, _ := sendRecorded(t, alice, RouteDirect, payload(40))

	for _, m := range relay.msgs {
		if c, ok := m.(protocol.FileChunk); ok {
			if c.CRC == nil {
				t.Fatalf("relay chunk %d has no crc", c.Index)
			}
			if *c.CRC != ChunkCRC(c.Payload) {
				t.Errorf("relay chunk %d crc = %d, want %d", c.Index, *c.CRC, ChunkCRC(c.Payload))
			}
		}
	}
	for _, m := range direct.msgs {
		if c, ok := m.(protocol.FileChunk); ok && c.CRC != nil {
			t.Errorf("direct chunk %d carries a crc", c.Index)
		}
	}
}

func TestChunkIdempotence(t *testing.T) {
	alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
	data := payload(5*testChunk + 3)
	sink, _ := sendRecorded(t, alice, RouteDirect, data)

	msgs := sink.msgs
	var doubled []protocol.Message
	doubled = append(doubled, msgs[0], msgs[0])
	for _, m := range msgs[1 : len(msgs)-1] {
		doubled = append(doubled, m, m)
	}
	doubled = append(doubled, msgs[len(msgs)-1], msgs[len(msgs)-1])

	deliver(bob, "alice", RouteDirect, doubled)

	if len(bob.failed) != 0 {
		t.Fatalf("failed = %v, want none", bob.failed)
	}
	if got := onlyCompleted(t, bob); !bytes.Equal(data, got) {
		t.Fatal("payload mismatch after duplicated delivery")
	}
}

func TestOrderInvariance(t *testing.T) {
	alice := newHarness(t, "alice")
	data := payload(12*testChunk + 5)
	sink, _ := sendRecorded(t, alice, RouteRelay, data)

	meta, end := sink.msgs[0], sink.msgs[len(sink.msgs)-1]
	chunks := append([]protocol.Message(nil), sink.msgs[1:len(sink.msgs)-1]...)

	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			bob := newHarness(t, "bob")
			shuffled := append([]protocol.Message(nil), chunks...)
			r := rand.New(rand.NewPCG(seed, seed*31))
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			deliver(bob, "alice", RouteRelay, []protocol.Message{meta})
			deliver(bob, "alice", RouteRelay, shuffled)
			deliver(bob, "alice", RouteRelay, []protocol.Message{end})

			if got := onlyCompleted(t, bob); !bytes.Equal(data, got) {
				t.Fatal("payload mismatch after shuffled delivery")
			}
		})
	}
}

func TestIntegrityDetection(t *testing.T) {
	data := payload(4*testChunk + 2)

	expectIntegrityFailure := func(t *testing.T, bob *harness) {
		t.Helper()
		if len(bob.completed) != 0 {
			t.Fatalf("completed = %d files, want none", len(bob.completed))
		}
		if len(bob.failed) != 1 {
			t.Fatalf("failed = %d, want 1", len(bob.failed))
		}
		if !errors.Is(bob.failed[0].Err, xferr.ErrIntegrity) {
			t.Errorf("failure = %v, want ErrIntegrity", bob.failed[0].Err)
		}
	}

	t.Run("missing chunk", func(t *testing.T) {
		alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
		sink, _ := sendRecorded(t, alice, RouteDirect, data)
		msgs := append(append([]protocol.Message(nil), sink.msgs[:2]...), sink.msgs[3:]...)

		deliver(bob, "alice", RouteDirect, msgs)

		expectIntegrityFailure(t, bob)
		if n := bob.engine.Receiving(); n != 0 {
			t.Errorf("Receiving() = %d, want 0", n)
		}
	})

	t.Run("tampered chunk without crc", func(t *testing.T) {
		alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
		sink, _ := sendRecorded(t, alice, RouteDirect, data)
		c := sink.msgs[2].(protocol.FileChunk)
		c.Payload = bytes.Clone(c.Payload)
		c.Payload[0] ^= 0xFF
		sink.msgs[2] = c

		deliver(bob, "alice", RouteDirect, sink.msgs)

		expectIntegrityFailure(t, bob)
	})

	t.Run("tampered chunk with crc is dropped", func(t *testing.T) {
		alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
		sink, _ := sendRecorded(t, alice, RouteRelay, data)
		good := sink.msgs[2].(protocol.FileChunk)
		bad := good
		bad.Payload = bytes.Clone(good.Payload)
		bad.Payload[1] ^= 0x01

		msgs := append([]protocol.Message(nil), sink.msgs...)
		msgs[2] = bad
		// the intact copy arriving later still completes the file
		msgs = append(msgs[:len(msgs)-1], good, msgs[len(msgs)-1])

		deliver(bob, "alice", RouteRelay, msgs)

		if len(bob.failed) != 0 {
			t.Fatalf("failed = %v, want none", bob.failed)
		}
		onlyCompleted(t, bob)
	})
}

func TestMetaRejected(t *testing.T) {
	tests := []struct {
		name  string
		route Route
		meta  protocol.FileMeta
	}{
		{name: "inconsistent total", route: RouteDirect, meta: protocol.FileMeta{FileID: "f", Size: 40, ChunkSize: 16, TotalChunks: 2}},
		{name: "zero chunk size", route: RouteDirect, meta: protocol.FileMeta{FileID: "f", Size: 40}},
		{name: "above route limit", route: RouteRelay, meta: protocol.FileMeta{FileID: "f", Size: 8192, ChunkSize: 16, TotalChunks: 512}},
		{name: "huge chunk", route: RouteDirect, meta: protocol.FileMeta{FileID: "f", Size: 2 << 20, ChunkSize: 2 << 20, TotalChunks: 1}},
		{name: "missing id", route: RouteDirect, meta: protocol.FileMeta{Size: 1, ChunkSize: 16, TotalChunks: 1}},
		{name: "bad digest", route: RouteDirect, meta: protocol.FileMeta{FileID: "f", Size: 1, ChunkSize: 16, TotalChunks: 1, SHA256: "xyz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bob := newHarness(t, "bob")
			bob.engine.Handle("alice", tt.route, tt.meta)
			if n := bob.engine.Receiving(); n != 0 {
				t.Errorf("Receiving() = %d, want 0", n)
			}
			if bob.engine.Known(tt.meta.FileID) {
				t.Errorf("Known(%q) = true after rejected meta", tt.meta.FileID)
			}
		})
	}
}

func TestMessagesFromOtherSenderIgnored(t *testing.T) {
	alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
	sink, _ := sendRecorded(t, alice, RouteRelay, payload(3*testChunk))

	deliver(bob, "alice", RouteRelay, sink.msgs[:1])
	deliver(bob, "mallory", RouteRelay, sink.msgs[1:])
	if len(bob.completed) != 0 || bob.engine.Receiving() != 1 {
		t.Fatalf("after foreign chunks: completed=%d receiving=%d, want 0 and 1", len(bob.completed), bob.engine.Receiving())
	}

	deliver(bob, "alice", RouteDirect, sink.msgs[1:])
	if len(bob.completed) != 0 {
		t.Fatal("same sender on another route completed the file")
	}

	deliver(bob, "alice", RouteRelay, sink.msgs[1:])
	if len(bob.completed) != 1 {
		t.Fatalf("completed = %d files, want 1", len(bob.completed))
	}
}

func TestSecondMetaIgnored(t *testing.T) {
	alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
	sink, _ := sendRecorded(t, alice, RouteRelay, payload(2*testChunk))

	deliver(bob, "alice", RouteRelay, sink.msgs)
	deliver(bob, "alice", RouteRelay, sink.msgs)
	if len(bob.completed) != 1 {
		t.Fatalf("completed = %d files, want 1", len(bob.completed))
	}
	if n := bob.engine.Receiving(); n != 0 {
		t.Errorf("Receiving() = %d, want 0", n)
	}
}

func TestUnknownFileIgnored(t *testing.T) {
	bob := newHarness(t, "bob")
	if !bob.engine.Handle("alice", RouteRelay, protocol.FileChunk{FileID: "nope", Payload: []byte("x")}) {
		t.Error("Handle(file-chunk) = false, want handled")
	}
	if !bob.engine.Handle("alice", RouteRelay, protocol.FileEnd{FileID: "nope"}) {
		t.Error("Handle(file-end) = false, want handled")
	}
	if bob.engine.Handle("alice", RouteRelay, protocol.Offer{SDP: "v=0"}) {
		t.Error("Handle(offer) = true, want not a file message")
	}
	if len(bob.completed) != 0 || len(bob.failed) != 0 {
		t.Errorf("completed=%d failed=%d, want none", len(bob.completed), len(bob.failed))
	}
}

func TestSendPolicyLimit(t *testing.T) {
	alice := newHarness(t, "alice")
	sink := newRecordSink(RouteRelay)
	_, err := alice.engine.Send(context.Background(), sink, File{Name: "big.bin", Data: payload(4097)})
	if !errors.Is(err, xferr.ErrPolicy) {
		t.Fatalf("Send() error = %v, want ErrPolicy", err)
	}
	if len(sink.msgs) != 0 {
		t.Errorf("emitted %d messages, want none", len(sink.msgs))
	}
	if out := alice.engine.Outgoing(); len(out) != 0 {
		t.Errorf("outgoing = %+v, want none", out)
	}
}

func TestSendEmitFailureMarksError(t *testing.T) {
	alice := newHarness(t, "alice")
	sink := newRecordSink(RouteDirect)
	sink.failAt = 2
	sink.err = errors.New("channel closed")

	_, err := alice.engine.Send(context.Background(), sink, File{Name: "a.bin", Data: payload(5 * testChunk)})
	if !errors.Is(err, xferr.ErrTransport) {
		t.Fatalf("Send() error = %v, want ErrTransport", err)
	}

	out := alice.engine.Outgoing()
	if len(out) != 1 {
		t.Fatalf("outgoing = %d, want 1", len(out))
	}
	if out[0].Status != StatusError || !errors.Is(out[0].Err, xferr.ErrTransport) {
		t.Errorf("outgoing = %v %v, want error status with ErrTransport", out[0].Status, out[0].Err)
	}
	if out[0].Progress.Sent != testChunk {
		t.Errorf("Progress.Sent = %d, want %d", out[0].Progress.Sent, testChunk)
	}
}

func TestAbortRoute(t *testing.T) {
	alice, bob := newHarness(t, "alice"), newHarness(t, "bob")

	// bob has one partial file on each route
	direct, _ := sendRecorded(t, newHarness(t, "carol"), RouteDirect, payload(3*testChunk))
	relay, _ := sendRecorded(t, newHarness(t, "dave"), RouteRelay, payload(3*testChunk))
	deliver(bob, "carol", RouteDirect, direct.msgs[:2])
	deliver(bob, "dave", RouteRelay, relay.msgs[:2])
	if n := bob.engine.Receiving(); n != 2 {
		t.Fatalf("Receiving() = %d, want 2", n)
	}

	cause := errors.New("peer connection failed")
	bob.engine.AbortRoute(RouteDirect, cause)
	if n := bob.engine.Receiving(); n != 1 {
		t.Errorf("Receiving() after abort = %d, want 1", n)
	}
	if len(bob.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(bob.failed))
	}
	if f := bob.failed[0]; f.From != "carol" || !errors.Is(f.Err, xferr.ErrTransport) {
		t.Errorf("failed = %+v, want carol with ErrTransport", f)
	}

	// alice loses the direct route in the middle of a send
	sink := newRecordSink(RouteDirect)
	sink.onPace = func(n int) error {
		if n == 2 {
			alice.engine.AbortRoute(RouteDirect, cause)
		}
		return nil
	}
	_, err := alice.engine.Send(context.Background(), sink, File{Name: "a.bin", Data: payload(4 * testChunk)})
	if !errors.Is(err, xferr.ErrTransport) || !errors.Is(err, cause) {
		t.Fatalf("Send() error = %v, want ErrTransport wrapping the cause", err)
	}

	out := alice.engine.Outgoing()
	if len(out) != 1 || out[0].Status != StatusError {
		t.Fatalf("outgoing = %+v, want one errored transfer", out)
	}
	if _, isEnd := sink.msgs[len(sink.msgs)-1].(protocol.FileEnd); isEnd {
		t.Error("aborted send emitted file-end")
	}
}

func TestPlaceholderAndReset(t *testing.T) {
	alice, bob := newHarness(t, "alice"), newHarness(t, "bob")
	sink, meta := sendRecorded(t, alice, RouteRelay, payload(20))
	deliver(bob, "alice", RouteRelay, sink.msgs)
	onlyCompleted(t, bob)
	blob := bob.completed[0].Blob

	if bob.engine.AddPlaceholder(Metadata{FileID: meta.FileID}, "alice") {
		t.Error("placeholder added for a received file")
	}
	if !bob.engine.AddPlaceholder(Metadata{FileID: "older", Name: "old.pdf"}, "carol") {
		t.Error("placeholder for a new file was refused")
	}
	if bob.engine.AddPlaceholder(Metadata{FileID: "older"}, "carol") {
		t.Error("placeholder added twice")
	}
	if alice.engine.AddPlaceholder(Metadata{FileID: meta.FileID}, "bob") {
		t.Error("placeholder added for a sent file")
	}

	completed := bob.engine.Completed()
	if len(completed) != 2 {
		t.Fatalf("Completed() = %d, want 2", len(completed))
	}
	if !completed[1].Placeholder || completed[1].Blob != nil {
		t.Errorf("history entry = %+v, want a placeholder without blob", completed[1])
	}

	if err := bob.engine.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !blob.Released() {
		t.Error("blob not released by Reset")
	}
	if n := len(bob.engine.Completed()); n != 0 {
		t.Errorf("Completed() after Reset = %d, want 0", n)
	}
	if bob.engine.Known("older") {
		t.Error("Known(older) = true after Reset")
	}
}

func TestTrack(t *testing.T) {
	alice := newHarness(t, "alice")

	ok, okDone := alice.engine.Track(RouteFallback, File{Name: "a.pdf", MimeType: "application/pdf", Data: payload(40)})
	bad, badDone := alice.engine.Track(RouteFallback, File{Name: "b.pdf", Data: payload(10)})

	out := alice.engine.Outgoing()
	if len(out) != 2 {
		t.Fatalf("outgoing = %d, want 2", len(out))
	}
	if out[0].Status != StatusSending || out[0].Route != RouteFallback || out[0].Meta.TotalChunks != 0 {
		t.Errorf("tracked = %+v, want sending on fallback without chunks", out[0])
	}

	okDone(nil)
	badDone(fmt.Errorf("%w: upload failed (500)", xferr.ErrUpload))
	badDone(nil)

	out = alice.engine.Outgoing()
	if out[0].Meta.FileID != ok.FileID || out[0].Status != StatusCompleted || out[0].Progress.Percent != 100 {
		t.Errorf("first = %+v, want completed at 100%%", out[0])
	}
	if out[1].Meta.FileID != bad.FileID || out[1].Status != StatusError {
		t.Errorf("second = %+v, want error (only the first outcome counts)", out[1])
	}
	if !errors.Is(out[1].Err, xferr.ErrUpload) {
		t.Errorf("second error = %v, want ErrUpload", out[1].Err)
	}
	if !alice.engine.Known(ok.FileID) {
		t.Error("tracked file is not known")
	}
}
