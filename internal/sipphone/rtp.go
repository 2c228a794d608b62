package sipphone

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

const (
	// maxRTPPacket is the largest UDP datagram we accept.
	maxRTPPacket = 1500

	// rtpHeaderSize is the fixed header, no CSRCs or extensions.
	rtpHeaderSize = 12

	rtpVersion = 2

	// samplesPerPacket is one 20 ms G.711 packet at 8 kHz. One byte per
	// sample on the wire, two bytes per sample as linear PCM.
	samplesPerPacket   = 160
	packetDuration     = 20 * time.Millisecond
	timestampIncrement = 160

	rtpSampleRate = 8000
)

// atomicAddr stores the learned remote RTP address. Symmetric RTP: the
// first inbound packet's source wins over what the SDP signalled, since
// the PBX may sit behind NAT.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func (a *atomicAddr) load() *net.UDPAddr { return a.v.Load() }

func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// rtpSession owns one call's RTP socket: a receive loop that decodes G.711
// into linear PCM frames, and a paced send loop that drains a playout
// buffer at exactly one packet per 20 ms.
type rtpSession struct {
	conn        *net.UDPConn
	remote      atomicAddr
	payloadType int
	logger      *slog.Logger

	// onFrame receives each decoded inbound frame. It must not block.
	onFrame func(audio.Frame)

	ssrc uint32
	seq  uint16
	ts   uint32

	mu      sync.Mutex
	playout []byte // queued linear PCM, 16-bit LE 8 kHz
	playing bool
	onDrain func() // armed by the orchestrator, fired once when playout empties

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRTPSession(conn *net.UDPConn, remote *net.UDPAddr, payloadType int, onFrame func(audio.Frame), logger *slog.Logger) *rtpSession {
	s := &rtpSession{
		conn:        conn,
		payloadType: payloadType,
		onFrame:     onFrame,
		logger:      logger.With("component", "rtp"),
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.UintN(65536)),
		ts:          rand.Uint32(),
	}
	s.remote.update(remote)
	return s
}

func (s *rtpSession) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.recvLoop(ctx)
	go s.sendLoop(ctx)
}

func (s *rtpSession) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
	s.wg.Wait()
}

// EnqueuePCM appends linear PCM (16-bit LE, 8 kHz mono) to the playout
// buffer. The send loop paces it onto the wire.
func (s *rtpSession) EnqueuePCM(pcm []byte) {
	s.mu.Lock()
	s.playout = append(s.playout, pcm...)
	s.mu.Unlock()
}

// ClearPlayout discards everything queued but not yet sent.
func (s *rtpSession) ClearPlayout() {
	s.mu.Lock()
	s.playout = nil
	s.mu.Unlock()
}

// Playing reports whether queued audio remains.
func (s *rtpSession) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playout) > 0 || s.playing
}

// NotifyDrained arms a one-shot callback fired from the send loop when the
// playout buffer next runs dry. If it is already dry the callback fires
// immediately.
func (s *rtpSession) NotifyDrained(fn func()) {
	s.mu.Lock()
	if len(s.playout) == 0 && !s.playing {
		s.mu.Unlock()
		fn()
		return
	}
	s.onDrain = fn
	s.mu.Unlock()
}

// recvLoop reads datagrams until the socket closes. Decoded frames go to
// onFrame; malformed or foreign-payload packets are dropped silently since
// RTP streams routinely interleave comfort noise and DTMF payloads.
func (s *rtpSession) recvLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("rtp receive loop ended", "error", err)
			}
			return
		}
		if n < rtpHeaderSize {
			continue
		}
		if v := buf[0] >> 6; v != rtpVersion {
			continue
		}
		if pt := int(buf[1] & 0x7F); pt != s.payloadType {
			continue
		}

		if s.remote.update(addr) {
			s.logger.Debug("learned remote rtp address", "addr", addr.String())
		}

		var pcm []byte
		if s.payloadType == PayloadPCMA {
			pcm = audio.DecodeAlaw(buf[rtpHeaderSize:n])
		} else {
			pcm = audio.DecodeUlaw(buf[rtpHeaderSize:n])
		}
		s.onFrame(audio.Frame{
			Data:       pcm,
			SampleRate: rtpSampleRate,
			Arrival:    time.Now(),
		})
	}
}

// sendLoop ships one packet per tick while the playout buffer has data.
// Short tails are padded with G.711 silence so every packet is full size.
func (s *rtpSession) sendLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	pcmChunk := make([]byte, samplesPerPacket*2)
	marker := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if len(s.playout) == 0 {
			s.playing = false
			drain := s.onDrain
			s.onDrain = nil
			s.mu.Unlock()
			if drain != nil {
				drain()
			}
			marker = true
			continue
		}
		s.playing = true
		n := copy(pcmChunk, s.playout)
		s.playout = s.playout[n:]
		s.mu.Unlock()

		// Pad a short tail with PCM silence before encoding.
		for i := n; i < len(pcmChunk); i++ {
			pcmChunk[i] = 0
		}

		var payload []byte
		if s.payloadType == PayloadPCMA {
			payload = audio.EncodeAlaw(pcmChunk)
		} else {
			payload = audio.EncodeUlaw(pcmChunk)
		}

		s.buildHeader(pkt[:rtpHeaderSize], marker)
		marker = false
		copy(pkt[rtpHeaderSize:], payload)

		remote := s.remote.load()
		if remote == nil {
			continue
		}
		if _, err := s.conn.WriteToUDP(pkt, remote); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("rtp send failed", "error", err)
		}
		s.seq++
		s.ts += timestampIncrement
	}
}

func (s *rtpSession) buildHeader(buf []byte, marker bool) {
	buf[0] = rtpVersion << 6
	buf[1] = byte(s.payloadType & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], s.seq)
	binary.BigEndian.PutUint32(buf[4:8], s.ts)
	binary.BigEndian.PutUint32(buf[8:12], s.ssrc)
}
