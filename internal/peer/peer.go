// Package peer wires identity, session negotiation, the transfer engine
// and the ledger into one owning aggregate. All cross-component wiring
// lives here; the components themselves never reach into each other.
package peer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"dropwire/internal/config"
	"dropwire/internal/identity"
	"dropwire/internal/ledger"
	"dropwire/internal/session"
	"dropwire/internal/signaling"
	"dropwire/internal/transfer"
)

// Role determines which side initiates the direct channel. Chosen once at
// session start, reset only on a full session reset.
type Role string

const (
	RoleNone     Role = ""
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

var (
	ErrRoleAlreadySet = errors.New("role already chosen for this session")
	ErrNotSender      = errors.New("only the sender role initiates a session")
)

type Peer struct {
	log *logrus.Logger
	cfg *config.Config

	identity   *identity.Client
	negotiator *session.Negotiator
	engine     *transfer.Engine
	ledger     *ledger.Ledger

	mu   sync.Mutex
	role Role

	onSessionStatus   func(session.Status)
	onIncomingFile    func(signaling.FileMetadata)
	onFileReady       func(signaling.FileMetadata)
	onSendProgress    func(int)
	onReceiveProgress func(int)
	onOutcome         func(ledger.Status)
}

func New(cfg *config.Config, log *logrus.Logger) (*Peer, error) {
	store, err := ledger.NewStore(ledger.MemoryDSN)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}

	p := &Peer{
		log:    log,
		cfg:    cfg,
		ledger: ledger.New(log, store),
		engine: transfer.NewEngine(log),
	}

	p.identity = identity.NewClient(cfg.RelayURL, log)
	p.identity.OnEnvelope(p.handleEnvelope)

	p.negotiator = session.NewNegotiator(p.identity, session.Options{
		ICEServers: session.DefaultICEServers(cfg.STUNServers),
		Logger:     log,
	})

	p.negotiator.OnStatus(func(status session.Status) {
		if p.onSessionStatus != nil {
			p.onSessionStatus(status)
		}
	})
	p.negotiator.OnChannelOpen(func(dc *webrtc.DataChannel) {
		p.engine.Attach(dc)
	})
	p.negotiator.OnChannelMessage(func(msg webrtc.DataChannelMessage) {
		p.engine.HandleMessage(msg.IsString, msg.Data)
	})
	p.negotiator.OnChannelClose(func() {
		p.engine.HandleChannelClose()
		p.engine.Detach()
	})

	p.engine.OnTransferStarted(func(meta signaling.FileMetadata) {
		p.ledger.StartTransfer(meta, ledger.DirectionReceived)
		p.ledger.MarkInProgress()
		if p.onIncomingFile != nil {
			p.onIncomingFile(meta)
		}
	})
	p.engine.OnSendProgress(func(progress int) {
		p.ledger.UpdateProgress(progress)
		if p.onSendProgress != nil {
			p.onSendProgress(progress)
		}
	})
	p.engine.OnReceiveProgress(func(progress int) {
		p.ledger.UpdateProgress(progress)
		if p.onReceiveProgress != nil {
			p.onReceiveProgress(progress)
		}
	})
	p.engine.OnFileReady(func(meta signaling.FileMetadata) {
		if p.onFileReady != nil {
			p.onFileReady(meta)
		}
	})
	p.engine.OnAccepted(func(fileID string) {
		if !p.matchesCurrent(fileID) {
			return
		}
		p.ledger.CompleteTransfer()
		if p.onOutcome != nil {
			p.onOutcome(ledger.StatusCompleted)
		}
	})
	p.engine.OnRejected(func(fileID string) {
		if !p.matchesCurrent(fileID) {
			return
		}
		p.ledger.RejectTransfer()
		if p.onOutcome != nil {
			p.onOutcome(ledger.StatusRejected)
		}
	})
	p.engine.OnFailed(func(err error) {
		p.ledger.FailTransfer()
		if p.onOutcome != nil {
			p.onOutcome(ledger.StatusFailed)
		}
	})

	return p, nil
}

func (p *Peer) OnSessionStatus(fn func(session.Status))        { p.onSessionStatus = fn }
func (p *Peer) OnIncomingFile(fn func(signaling.FileMetadata)) { p.onIncomingFile = fn }
func (p *Peer) OnFileReady(fn func(signaling.FileMetadata))    { p.onFileReady = fn }
func (p *Peer) OnSendProgress(fn func(int))                    { p.onSendProgress = fn }
func (p *Peer) OnReceiveProgress(fn func(int))                 { p.onReceiveProgress = fn }
func (p *Peer) OnOutcome(fn func(ledger.Status))               { p.onOutcome = fn }

// Connect registers with the relay and starts liveness handling.
func (p *Peer) Connect(ctx context.Context) error {
	return p.identity.Connect(ctx)
}

// ID returns the local peer identifier.
func (p *Peer) ID() string {
	return p.identity.ID()
}

// SetRole chooses the local role, once per session.
func (p *Peer) SetRole(role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != RoleNone {
		return ErrRoleAlreadySet
	}
	p.role = role
	return nil
}

func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Dial initiates a session toward targetID. Only the sender side dials.
func (p *Peer) Dial(targetID string) error {
	if p.Role() != RoleSender {
		return ErrNotSender
	}
	return p.negotiator.Initiate(targetID)
}

// SendFile streams a local file to the connected peer. The ledger record
// completes only when the receiver accepts.
func (p *Peer) SendFile(ctx context.Context, path string) (signaling.FileMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return signaling.FileMetadata{}, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return signaling.FileMetadata{}, fmt.Errorf("inspecting file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	meta := signaling.FileMetadata{
		ID:       uuid.NewString(),
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType,
	}

	p.ledger.StartTransfer(meta, ledger.DirectionSent)
	p.ledger.MarkInProgress()

	if err := p.engine.SendFile(ctx, file, meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// Accept saves the fully received file into the download directory and
// completes the ledger record.
func (p *Peer) Accept() (string, error) {
	path, err := p.engine.AcceptFile(p.cfg.DownloadDir)
	if err != nil {
		return "", err
	}
	p.ledger.CompleteTransfer()
	return path, nil
}

// Reject discards the fully received file.
func (p *Peer) Reject() error {
	if err := p.engine.RejectFile(); err != nil {
		return err
	}
	p.ledger.RejectTransfer()
	return nil
}

// SessionStatus returns the negotiator's connection status.
func (p *Peer) SessionStatus() session.Status {
	return p.negotiator.Status()
}

func (p *Peer) History() ([]ledger.Record, error) {
	return p.ledger.History()
}

func (p *Peer) DeleteTransfer(fileID string) error {
	return p.ledger.DeleteTransfer(fileID)
}

// Reset tears down the session and clears the role. Safe in any state.
func (p *Peer) Reset() {
	p.negotiator.Reset()
	p.engine.Detach()
	p.ledger.Reset()
	p.mu.Lock()
	p.role = RoleNone
	p.mu.Unlock()
}

// Close shuts down the relay connection and the session.
func (p *Peer) Close() error {
	p.negotiator.Reset()
	return p.identity.Close()
}

// matchesCurrent reconciles a receiver decision against the in-flight
// ledger record. A decision for any other file id is stale and ignored.
func (p *Peer) matchesCurrent(fileID string) bool {
	cur := p.ledger.Current()
	if cur == nil || cur.Metadata.ID != fileID {
		p.log.Warnf("Ignoring decision for unknown file id %q", fileID)
		return false
	}
	return true
}

func (p *Peer) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeOffer:
		if err := p.negotiator.HandleOffer(env.PeerID, env.Offer); err != nil {
			p.log.Errorf("Failed to handle offer: %v", err)
		}
	case signaling.TypeAnswer:
		if err := p.negotiator.HandleAnswer(env.Answer); err != nil {
			p.log.Errorf("Failed to handle answer: %v", err)
		}
	case signaling.TypeCandidate:
		if err := p.negotiator.HandleCandidate(env.Candidate); err != nil {
			p.log.Errorf("Failed to handle candidate: %v", err)
		}
	default:
		p.log.Warnf("Unknown relay message type: %q", env.Type)
	}
}
