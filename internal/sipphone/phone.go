// Package sipphone is the broker's SIP endpoint. It registers to the PBX as
// an ordinary extension, answers INVITEs with a G.711 SDP answer, and owns
// the RTP legs of every active call. Call lifecycle and decoded audio are
// handed to a Handler; the dialplan-level control (transfer, hangup) goes
// through the manager interface, not SIP.
package sipphone

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// CallerChannelHeader carries the Asterisk channel name of the caller leg,
// stamped by the dialplan before the call reaches us. Manager redirects
// target this channel, never our own leg.
const CallerChannelHeader = "X-Caller-Channel"

// Config holds the SIP endpoint parameters.
type Config struct {
	// Server and ServerPort locate the PBX registrar.
	Server     string
	ServerPort int

	// Username registers the extension; Password answers digest challenges.
	// AuthUsername overrides Username in the digest when set.
	Username     string
	AuthUsername string
	Password     string

	// LocalIP is the address we advertise in Contact and SDP.
	LocalIP string

	// SIPPort is our listening port. Defaults to 5080.
	SIPPort int

	// RegisterExpiry in seconds. Defaults to 300.
	RegisterExpiry int

	// RegisterRetries bounds the registration backoff loop. Zero means
	// retry forever.
	RegisterRetries int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ServerPort == 0 {
		c.ServerPort = 5060
	}
	if c.SIPPort == 0 {
		c.SIPPort = 5080
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = 300
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handler receives call lifecycle notifications. CallStarted runs on the
// INVITE handling goroutine; it must install the frame sink before
// returning or early media is lost.
type Handler interface {
	CallStarted(call *Call)
	CallEnded(callID string, reason string)
}

// Call is one answered SIP call with its RTP leg.
type Call struct {
	// ID is the broker-assigned call identifier.
	ID string

	// SIPCallID is the Call-ID header of the dialog.
	SIPCallID string

	// CallerChannel is the Asterisk channel name from the INVITE header,
	// empty when the dialplan did not stamp one.
	CallerChannel string

	// CallerID is the caller's number from the From header.
	CallerID string

	// StartedAt is when the call was answered.
	StartedAt time.Time

	rtp  *rtpSession
	sink atomic.Pointer[func(audio.Frame)]
}

// SetFrameSink installs the receiver for decoded inbound audio frames. The
// sink must not block.
func (c *Call) SetFrameSink(fn func(audio.Frame)) {
	c.sink.Store(&fn)
}

func (c *Call) dispatchFrame(f audio.Frame) {
	if fn := c.sink.Load(); fn != nil {
		(*fn)(f)
	}
}

// EnqueuePCM queues linear PCM (16-bit LE, 8 kHz mono) for paced playback
// to the caller.
func (c *Call) EnqueuePCM(pcm []byte) { c.rtp.EnqueuePCM(pcm) }

// ClearPlayout discards queued but unsent playback audio.
func (c *Call) ClearPlayout() { c.rtp.ClearPlayout() }

// Playing reports whether playback audio is still draining.
func (c *Call) Playing() bool { return c.rtp.Playing() }

// NotifyDrained arms a one-shot callback for when the playout buffer next
// runs dry.
func (c *Call) NotifyDrained(fn func()) { c.rtp.NotifyDrained(fn) }

// Phone registers to the PBX and answers calls.
type Phone struct {
	cfg Config
	log *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	handler Handler

	mu    sync.Mutex
	calls map[string]*Call // keyed by SIP Call-ID

	registered atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewPhone creates the endpoint and wires the SIP method handlers.
func NewPhone(cfg Config, handler Handler) (*Phone, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "sipphone")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voxbridge"),
		sipgo.WithUserAgentHostname(cfg.LocalIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	p := &Phone{
		cfg:     cfg,
		log:     logger,
		ua:      ua,
		srv:     srv,
		client:  client,
		handler: handler,
		calls:   make(map[string]*Call),
	}

	srv.OnInvite(p.handleInvite)
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	srv.OnBye(p.handleBye)
	srv.OnCancel(p.handleCancel)
	srv.OnOptions(p.handleOptions)
	return p, nil
}

// Start brings up the SIP listener and the registration loop.
func (p *Phone) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", p.cfg.LocalIP, p.cfg.SIPPort)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Info("sip listener starting", "addr", addr)
		if err := p.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
			p.log.Error("sip listener stopped", "error", err)
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.registrationLoop(ctx)
	}()
	return nil
}

// Stop un-registers, ends every active call, and tears the stack down.
func (p *Phone) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	if p.registered.Load() {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.sendRegister(unregCtx, 0); err != nil {
			p.log.Warn("un-register failed", "error", err)
		}
		cancel()
	}

	p.mu.Lock()
	calls := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	p.calls = make(map[string]*Call)
	p.mu.Unlock()
	for _, c := range calls {
		c.rtp.stop()
	}

	p.wg.Wait()
	p.srv.Close()
	p.ua.Close()
}

// Registered reports whether the last REGISTER cycle succeeded.
func (p *Phone) Registered() bool { return p.registered.Load() }

// ActiveCalls returns the number of answered calls.
func (p *Phone) ActiveCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// EndCall tears down a call locally. The PBX side is hung up through the
// manager interface; this only releases our media leg and state.
func (p *Phone) EndCall(callID string) {
	p.mu.Lock()
	var found *Call
	for sipID, c := range p.calls {
		if c.ID == callID {
			found = c
			delete(p.calls, sipID)
			break
		}
	}
	p.mu.Unlock()
	if found != nil {
		found.rtp.stop()
	}
}

// registrationLoop registers, refreshes at 80% of the granted expiry, and
// retries with exponential backoff on failure.
func (p *Phone) registrationLoop(ctx context.Context) {
	backoff := newBackoff()
	for {
		err := p.sendRegister(ctx, p.cfg.RegisterExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.registered.Store(false)
			retryDelay := backoff.next()
			p.log.Error("registration failed",
				"registrar", p.cfg.Server,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
				"error", err)
			if p.cfg.RegisterRetries > 0 && backoff.attempt > p.cfg.RegisterRetries {
				p.log.Error("registration retries exhausted, giving up")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		p.registered.Store(true)
		p.log.Info("registered to pbx", "registrar", p.cfg.Server, "expiry", p.cfg.RegisterExpiry)

		refresh := time.Duration(float64(p.cfg.RegisterExpiry)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// sendRegister performs one REGISTER round trip, answering a digest
// challenge when the registrar issues one. Expiry zero un-registers.
func (p *Phone) sendRegister(ctx context.Context, expiry int) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", p.cfg.Server, p.cfg.ServerPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")
	aor := fmt.Sprintf("<sip:%s@%s>", p.cfg.Username, p.cfg.Server)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s:%d>", p.cfg.Username, p.cfg.LocalIP, p.cfg.SIPPort)))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}
		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return fmt.Errorf("received %d without %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return fmt.Errorf("parsing auth challenge: %w", err)
		}

		authUser := p.cfg.Username
		if p.cfg.AuthUsername != "" {
			authUser = p.cfg.AuthUsername
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: authUser,
			Password: p.cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
		tx2, err := p.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// handleInvite answers an inbound call: negotiate G.711, open the RTP
// socket, notify the handler, send 200 with our SDP answer.
func (p *Phone) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		respond(tx, req, 400, "Bad Request")
		return
	}
	logger := p.log.With("sip_call_id", callID)

	p.mu.Lock()
	_, exists := p.calls[callID]
	p.mu.Unlock()
	if exists {
		// Re-INVITEs (hold, session refresh) are out of scope.
		respond(tx, req, 488, "Not Acceptable Here")
		return
	}

	offer, err := parseOffer(req.Body())
	if err != nil {
		logger.Warn("rejecting invite with unusable offer", "error", err)
		respond(tx, req, 488, "Not Acceptable Here")
		return
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.cfg.LocalIP)})
	if err != nil {
		logger.Error("allocating rtp socket failed", "error", err)
		respond(tx, req, 503, "Service Unavailable")
		return
	}
	rtpPort := conn.LocalAddr().(*net.UDPAddr).Port

	call := &Call{
		ID:        uuid.NewString(),
		SIPCallID: callID,
		StartedAt: time.Now(),
	}
	if h := req.GetHeader(CallerChannelHeader); h != nil {
		call.CallerChannel = strings.TrimSpace(h.Value())
	}
	if from := req.From(); from != nil {
		call.CallerID = from.Address.User
	}

	remote := &net.UDPAddr{IP: net.ParseIP(offer.Address), Port: offer.Port}
	call.rtp = newRTPSession(conn, remote, offer.PayloadType, call.dispatchFrame, logger)

	p.mu.Lock()
	p.calls[callID] = call
	p.mu.Unlock()

	// The handler installs the frame sink before media starts.
	p.handler.CallStarted(call)
	call.rtp.start(context.Background())

	answer := buildAnswer(p.cfg.LocalIP, rtpPort, offer.PayloadType, time.Now().Unix()+int64(rand.UintN(1000)))
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s:%d>", p.cfg.Username, p.cfg.LocalIP, p.cfg.SIPPort)))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		logger.Error("answering invite failed", "error", err)
		p.teardown(callID, "answer_failed")
		return
	}

	logger.Info("call answered",
		"call_id", call.ID,
		"caller", call.CallerID,
		"caller_channel", call.CallerChannel,
		"codec", offer.PayloadType,
		"rtp_port", rtpPort)
}

func (p *Phone) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	respond(tx, req, 200, "OK")
	p.teardown(callIDOf(req), "remote_hangup")
}

func (p *Phone) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	respond(tx, req, 200, "OK")
	p.teardown(callIDOf(req), "cancelled")
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (p *Phone) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		p.log.Warn("answering options failed", "error", err)
	}
}

// teardown releases a call's media leg and notifies the handler once.
func (p *Phone) teardown(sipCallID, reason string) {
	p.mu.Lock()
	call, ok := p.calls[sipCallID]
	if ok {
		delete(p.calls, sipCallID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	call.rtp.stop()
	p.log.Info("call ended", "call_id", call.ID, "reason", reason,
		"duration", time.Since(call.StartedAt).Round(time.Second).String())
	p.handler.CallEnded(call.ID, reason)
}

func respond(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		slog.Debug("sip respond failed", "code", code, "error", err)
	}
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++
	// Jitter of up to 20% either way keeps restarts from synchronising.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() { b.attempt = 0 }
