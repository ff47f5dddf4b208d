// Package transfer moves one file over an established data channel, with
// chunked flow-controlled delivery, progress reporting and accept/reject
// gating on the receiving side. A single Engine serves both roles; one
// transfer is in flight at a time.
package transfer

import (
	"math"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"dropwire/internal/signaling"
)

// ChunkSize is the fixed binary frame size, chosen to stay under typical
// SCTP congestion-control buffering limits.
const ChunkSize = 16384

// DataChannel is the slice of *webrtc.DataChannel the engine needs. Keeping
// it an interface makes both transfer directions testable without a live
// peer connection.
type DataChannel interface {
	Send(data []byte) error
	SendText(s string) error
	ReadyState() webrtc.DataChannelReadyState
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

type Engine struct {
	log *logrus.Logger

	mu sync.Mutex
	ch DataChannel

	// Receive-side reassembly state, reset on every file-info.
	info     *signaling.FileMetadata
	buffers  [][]byte
	received int64
	ready    bool

	onTransferStarted func(signaling.FileMetadata)
	onSendProgress    func(int)
	onReceiveProgress func(int)
	onFileReady       func(signaling.FileMetadata)
	onAccepted        func(fileID string)
	onRejected        func(fileID string)
	onFailed          func(error)
}

func NewEngine(log *logrus.Logger) *Engine {
	return &Engine{log: log}
}

// Attach binds the engine to an open data channel. Called when the
// negotiator reports the channel open.
func (e *Engine) Attach(ch DataChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ch = ch
}

// Detach drops the channel binding on session reset.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ch = nil
}

// OnTransferStarted fires on the receiving side when a file-info frame
// arrives.
func (e *Engine) OnTransferStarted(fn func(signaling.FileMetadata)) { e.onTransferStarted = fn }

func (e *Engine) OnSendProgress(fn func(int))    { e.onSendProgress = fn }
func (e *Engine) OnReceiveProgress(fn func(int)) { e.onReceiveProgress = fn }

// OnFileReady fires when all bytes have arrived and the file awaits an
// explicit accept or reject.
func (e *Engine) OnFileReady(fn func(signaling.FileMetadata)) { e.onFileReady = fn }

// OnAccepted fires on the sending side when the receiver accepted the file.
func (e *Engine) OnAccepted(fn func(fileID string)) { e.onAccepted = fn }

// OnRejected fires on the sending side when the receiver rejected the file.
func (e *Engine) OnRejected(fn func(fileID string)) { e.onRejected = fn }

// OnFailed fires when a transfer fails mid-flight on either side.
func (e *Engine) OnFailed(fn func(error)) { e.onFailed = fn }

// Progress converts a byte count into a percentage, rounded and clamped to
// [0, 100]. A zero total reports 100: an empty file is complete the moment
// its metadata arrives.
func Progress(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (e *Engine) channel() DataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *Engine) failTransfer(err error) {
	e.log.Errorf("Transfer failed: %v", err)
	if e.onFailed != nil {
		e.onFailed(err)
	}
}
