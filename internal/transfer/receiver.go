package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dropwire/internal/signaling"
)

var ErrNotReady = errors.New("no fully received file awaiting decision")

// HandleMessage consumes one data channel frame, text or binary. Malformed
// control messages are logged and dropped; the channel stays up.
func (e *Engine) HandleMessage(isText bool, data []byte) {
	if isText {
		e.handleControl(data)
		return
	}
	e.handleChunk(data)
}

func (e *Engine) handleControl(data []byte) {
	msgType, err := signaling.ControlType(data)
	if err != nil {
		e.log.Warnf("Dropping control message: %v", err)
		return
	}

	switch msgType {
	case signaling.MsgFileInfo:
		var info signaling.FileInfo
		if err := json.Unmarshal(data, &info); err != nil {
			e.log.Warnf("Dropping malformed file-info: %v", err)
			return
		}
		e.beginReceive(info.Metadata())

	case signaling.MsgFileAccepted:
		var accepted signaling.FileAccepted
		if err := json.Unmarshal(data, &accepted); err != nil {
			e.log.Warnf("Dropping malformed file-accepted: %v", err)
			return
		}
		e.log.Infof("Peer accepted file %s", accepted.FileID)
		if e.onAccepted != nil {
			e.onAccepted(accepted.FileID)
		}

	case signaling.MsgFileRejected:
		var rejected signaling.FileRejected
		if err := json.Unmarshal(data, &rejected); err != nil {
			e.log.Warnf("Dropping malformed file-rejected: %v", err)
			return
		}
		e.log.Infof("Peer rejected file %s", rejected.FileID)
		if e.onRejected != nil {
			e.onRejected(rejected.FileID)
		}

	default:
		e.log.Warnf("Unknown control message type: %q", msgType)
	}
}

// beginReceive initializes fresh reassembly state. Any incomplete state
// from a prior transfer is discarded; the protocol is single transfer at a
// time.
func (e *Engine) beginReceive(meta signaling.FileMetadata) {
	e.mu.Lock()
	e.info = &meta
	e.buffers = nil
	e.received = 0
	e.ready = false
	e.mu.Unlock()

	e.log.Infof("Incoming file %s (%s)", meta.Name, FormatFileSize(meta.Size))
	if e.onTransferStarted != nil {
		e.onTransferStarted(meta)
	}

	if meta.Size == 0 {
		e.finishReceive()
	}
}

func (e *Engine) handleChunk(data []byte) {
	e.mu.Lock()
	if e.info == nil {
		e.mu.Unlock()
		e.log.Warn("Dropping binary data received before file-info")
		return
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	e.buffers = append(e.buffers, chunk)
	e.received += int64(len(data))

	received := e.received
	total := e.info.Size
	e.mu.Unlock()

	if e.onReceiveProgress != nil {
		e.onReceiveProgress(Progress(received, total))
	}

	if received > total {
		e.resetReceiveState()
		e.failTransfer(fmt.Errorf("received %d bytes, metadata declares %d", received, total))
		return
	}
	if received == total {
		e.finishReceive()
	}
}

func (e *Engine) finishReceive() {
	e.mu.Lock()
	e.ready = true
	meta := *e.info
	e.mu.Unlock()

	if e.onReceiveProgress != nil {
		e.onReceiveProgress(100)
	}
	e.log.Infof("File %s fully received, awaiting accept", meta.Name)
	if e.onFileReady != nil {
		e.onFileReady(meta)
	}
}

// AcceptFile assembles the buffered chunks in arrival order, writes the
// file into dir and notifies the sender. Only valid after the transfer is
// fully received.
func (e *Engine) AcceptFile(dir string) (string, error) {
	e.mu.Lock()
	if !e.ready || e.info == nil {
		e.mu.Unlock()
		return "", ErrNotReady
	}
	meta := *e.info
	buffers := e.buffers
	ch := e.ch
	e.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(meta.Name))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	for _, chunk := range buffers {
		if _, err := out.Write(chunk); err != nil {
			_ = out.Close()
			return "", fmt.Errorf("writing file: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing file: %w", err)
	}

	acceptedJSON, err := json.Marshal(signaling.FileAccepted{
		MessageType:  signaling.MsgFileAccepted,
		FileID:       meta.ID,
		FileMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling file-accepted: %w", err)
	}
	if ch != nil {
		if err := ch.SendText(string(acceptedJSON)); err != nil {
			e.log.Warnf("Failed to send file-accepted: %v", err)
		}
	}

	e.resetReceiveState()
	e.log.Infof("Saved %s", path)
	return path, nil
}

// RejectFile discards the assembled bytes and notifies the sender. No file
// is saved.
func (e *Engine) RejectFile() error {
	e.mu.Lock()
	if !e.ready || e.info == nil {
		e.mu.Unlock()
		return ErrNotReady
	}
	meta := *e.info
	ch := e.ch
	e.mu.Unlock()

	rejectedJSON, err := json.Marshal(signaling.FileRejected{
		MessageType: signaling.MsgFileRejected,
		FileID:      meta.ID,
	})
	if err != nil {
		return fmt.Errorf("marshaling file-rejected: %w", err)
	}
	if ch != nil {
		if err := ch.SendText(string(rejectedJSON)); err != nil {
			e.log.Warnf("Failed to send file-rejected: %v", err)
		}
	}

	e.resetReceiveState()
	e.log.Infof("Rejected %s", meta.Name)
	return nil
}

// HandleChannelClose fails any transfer still in flight. A fully received
// file awaiting a decision is kept; only incomplete reassembly state is a
// failure.
func (e *Engine) HandleChannelClose() {
	e.mu.Lock()
	inFlight := e.info != nil && !e.ready
	e.mu.Unlock()

	if inFlight {
		e.resetReceiveState()
		e.failTransfer(errors.New("channel closed mid-transfer"))
	}
}

func (e *Engine) resetReceiveState() {
	e.mu.Lock()
	e.info = nil
	e.buffers = nil
	e.received = 0
	e.ready = false
	e.mu.Unlock()
}
