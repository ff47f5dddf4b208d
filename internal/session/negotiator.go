// Package session establishes and tears down the direct peer channel. The
// Negotiator drives the offer/answer/candidate exchange through the relay
// and owns the channel's lifecycle, including the session-lifetime timeout.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"dropwire/internal/signaling"
)

// Status is the peer connection state machine. Connected is entered only
// when the data channel itself reports open; transport-level connectivity
// alone is not sufficient.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// DefaultSessionTTL bounds the lifetime of an established session. The
// timer is armed when the data channel opens; on expiry the session is
// forcibly reset.
const DefaultSessionTTL = 10 * time.Minute

var (
	ErrEmptyTarget      = errors.New("target peer id is empty")
	ErrRelayDown        = errors.New("relay connection is not live")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNoConnection     = errors.New("no peer connection exists")
)

// Signaler sends envelopes to the remote peer through the rendezvous relay.
type Signaler interface {
	ID() string
	Send(signaling.Envelope) error
	Connected() bool
}

type Options struct {
	ICEServers []webrtc.ICEServer
	SessionTTL time.Duration
	Logger     *logrus.Logger
}

type Negotiator struct {
	log        *logrus.Logger
	signaler   Signaler
	iceServers []webrtc.ICEServer
	sessionTTL time.Duration

	mu            sync.Mutex
	status        Status
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	remoteID      string
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	ttlTimer      *time.Timer

	onStatus         func(Status)
	onChannelOpen    func(*webrtc.DataChannel)
	onChannelMessage func(webrtc.DataChannelMessage)
	onChannelClose   func()
}

func NewNegotiator(signaler Signaler, opts Options) *Negotiator {
	ttl := opts.SessionTTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Negotiator{
		log:        log,
		signaler:   signaler,
		iceServers: opts.ICEServers,
		sessionTTL: ttl,
		status:     StatusDisconnected,
	}
}

func (n *Negotiator) OnStatus(fn func(Status)) { n.onStatus = fn }

// OnChannelOpen fires once the data channel reports open, which is the only
// trigger for the Connected status.
func (n *Negotiator) OnChannelOpen(fn func(*webrtc.DataChannel)) { n.onChannelOpen = fn }

func (n *Negotiator) OnChannelMessage(fn func(webrtc.DataChannelMessage)) { n.onChannelMessage = fn }

func (n *Negotiator) OnChannelClose(fn func()) { n.onChannelClose = fn }

// Status returns the current connection status.
func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// RemoteID returns the peer id of the remote side, empty before a session
// target is known.
func (n *Negotiator) RemoteID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteID
}

// Initiate creates the connection and outgoing data channel, generates an
// offer and sends it to targetID through the relay. The call is rejected
// synchronously when the target is empty, the relay is down, or a session
// is already connected; in those cases no state transition happens and no
// relay message is sent.
func (n *Negotiator) Initiate(targetID string) error {
	if targetID == "" {
		return ErrEmptyTarget
	}
	if !n.signaler.Connected() {
		return ErrRelayDown
	}

	n.mu.Lock()
	if n.status == StatusConnected {
		n.mu.Unlock()
		return ErrAlreadyConnected
	}
	stale := n.pc != nil
	n.mu.Unlock()

	// A prior session can leave a dead connection behind, e.g. after a
	// channel error or close. It must be torn down, not overwritten: its
	// handlers are still attached and would fire against the new session.
	if stale {
		n.log.Warn("Discarding stale peer connection before dialing")
		n.teardown()
	}

	n.mu.Lock()
	n.remoteID = targetID
	n.mu.Unlock()

	pc, err := n.newPeerConnection(targetID)
	if err != nil {
		return n.fail(fmt.Errorf("creating peer connection: %w", err))
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, DefaultDataChannelInit())
	if err != nil {
		return n.fail(fmt.Errorf("creating data channel: %w", err))
	}
	n.setupDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return n.fail(fmt.Errorf("creating offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return n.fail(fmt.Errorf("setting local description: %w", err))
	}

	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return n.fail(fmt.Errorf("marshaling offer: %w", err))
	}

	// Connecting is entered before the offer leaves: once it is on the
	// wire the channel can open from a pion goroutine at any moment, and
	// Connected must not be overwritten.
	n.setStatus(StatusConnecting)
	err = n.signaler.Send(signaling.Envelope{
		Type:   signaling.TypeOffer,
		Target: targetID,
		PeerID: n.signaler.ID(),
		Offer:  offerJSON,
	})
	if err != nil {
		return n.fail(fmt.Errorf("sending offer: %w", err))
	}

	n.log.Infof("Sent offer to %s", targetID)
	return nil
}

// HandleOffer is the answering side: it creates a connection if none exists
// yet, applies the offer, and sends back an answer. A duplicate offer while
// a session is already negotiating or established resets the session first
// and renegotiates.
func (n *Negotiator) HandleOffer(peerID string, offer json.RawMessage) error {
	n.mu.Lock()
	needsReset := n.pc != nil
	n.mu.Unlock()
	// Any existing connection is replaced, whatever state it is in: a
	// duplicate offer mid-negotiation and an offer arriving after a channel
	// error both mean the remote side is starting over.
	if needsReset {
		n.log.Warnf("Offer from %s while a connection exists, resetting before renegotiating", peerID)
		n.Reset()
	}

	n.mu.Lock()
	n.remoteID = peerID
	pc := n.pc
	n.mu.Unlock()

	if pc == nil {
		created, err := n.newPeerConnection(peerID)
		if err != nil {
			return n.fail(fmt.Errorf("creating peer connection: %w", err))
		}
		pc = created
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			n.setupDataChannel(dc)
		})
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return n.fail(fmt.Errorf("parsing offer: %w", err))
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return n.fail(fmt.Errorf("setting remote description: %w", err))
	}
	n.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return n.fail(fmt.Errorf("creating answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return n.fail(fmt.Errorf("setting local description: %w", err))
	}

	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return n.fail(fmt.Errorf("marshaling answer: %w", err))
	}

	n.setStatus(StatusConnecting)
	err = n.signaler.Send(signaling.Envelope{
		Type:   signaling.TypeAnswer,
		Target: peerID,
		Answer: answerJSON,
	})
	if err != nil {
		return n.fail(fmt.Errorf("sending answer: %w", err))
	}

	n.log.Infof("Sent answer to %s", peerID)
	return nil
}

// HandleAnswer applies the remote answer on the initiating side. It fails
// loud when no connection exists.
func (n *Negotiator) HandleAnswer(answer json.RawMessage) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return ErrNoConnection
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("parsing answer: %w", err)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	n.flushCandidates(pc)
	return nil
}

// HandleCandidate applies a remote transport candidate. Candidates that
// arrive before the remote description is set are queued and flushed after,
// since the relay gives no cross-message ordering guarantee.
func (n *Negotiator) HandleCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("parsing candidate: %w", err)
	}

	n.mu.Lock()
	if n.pc == nil || !n.remoteDescSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		n.log.Debug("Queued early candidate")
		return nil
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) flushCandidates(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	n.remoteDescSet = true
	queued := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range queued {
		if err := pc.AddICECandidate(init); err != nil {
			n.log.Warnf("Failed to apply queued candidate: %v", err)
		}
	}
	if len(queued) > 0 {
		n.log.Debugf("Flushed %d queued candidates", len(queued))
	}
}

func (n *Negotiator) newPeerConnection(remoteID string) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{
		ICEServers:         n.iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.pc = pc
	n.remoteDescSet = false
	n.mu.Unlock()

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			n.log.Debug("ICE candidate gathering complete")
			return
		}
		candJSON, err := json.Marshal(ice.ToJSON())
		if err != nil {
			n.log.Warnf("Failed to marshal candidate: %v", err)
			return
		}
		err = n.signaler.Send(signaling.Envelope{
			Type:      signaling.TypeCandidate,
			Target:    remoteID,
			Candidate: candJSON,
		})
		if err != nil {
			n.log.Warnf("Failed to send candidate: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.log.Debugf("Peer connection state: %s", state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			n.log.Warnf("Peer connection %s, tearing down session", state)
			go n.resetIfCurrent(pc)
		}
	})

	return pc, nil
}

func (n *Negotiator) setupDataChannel(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.dc = dc
	n.mu.Unlock()

	dc.OnOpen(func() {
		n.log.Infof("Data channel '%s'-'%d' open", dc.Label(), dc.ID())
		n.armSessionTimer()
		n.setStatus(StatusConnected)
		if n.onChannelOpen != nil {
			n.onChannelOpen(dc)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if n.onChannelMessage != nil {
			n.onChannelMessage(msg)
		}
	})

	dc.OnClose(func() {
		n.log.Infof("Data channel '%s' closed", dc.Label())
		n.mu.Lock()
		wasConnected := n.status == StatusConnected
		n.mu.Unlock()
		if wasConnected {
			n.setStatus(StatusDisconnected)
		}
		if n.onChannelClose != nil {
			n.onChannelClose()
		}
	})

	dc.OnError(func(err error) {
		n.log.Errorf("Data channel error: %v", err)
		n.setStatus(StatusError)
		if n.onChannelClose != nil {
			n.onChannelClose()
		}
	})
}

func (n *Negotiator) armSessionTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ttlTimer != nil {
		n.ttlTimer.Stop()
	}
	n.ttlTimer = time.AfterFunc(n.sessionTTL, func() {
		n.log.Warn("Session lifetime expired, disconnecting")
		n.Reset()
	})
}

// fail tears down any partial state and reports the error.
func (n *Negotiator) fail(err error) error {
	n.log.Errorf("Negotiation failure: %v", err)
	n.teardown()
	n.setStatus(StatusError)
	return err
}

func (n *Negotiator) teardown() {
	n.mu.Lock()
	pc := n.pc
	dc := n.dc
	if n.ttlTimer != nil {
		n.ttlTimer.Stop()
		n.ttlTimer = nil
	}
	n.pc = nil
	n.dc = nil
	n.remoteID = ""
	n.remoteDescSet = false
	n.pending = nil
	n.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

// resetIfCurrent resets only while pc is still the active connection, so a
// handler left on a replaced connection cannot tear down its successor.
func (n *Negotiator) resetIfCurrent(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	current := n.pc
	n.mu.Unlock()
	if current != pc {
		return
	}
	n.Reset()
}

// Reset closes the channel and connection, clears all session bookkeeping
// and returns to Disconnected. It is safe to call from any state, including
// before any connection exists.
func (n *Negotiator) Reset() {
	n.teardown()
	n.setStatus(StatusDisconnected)
}

func (n *Negotiator) setStatus(status Status) {
	n.mu.Lock()
	if n.status == status {
		n.mu.Unlock()
		return
	}
	n.status = status
	fn := n.onStatus
	n.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}
