// Package signaling defines the messages exchanged through the rendezvous
// relay and the control messages interleaved with binary frames on the
// direct data channel.
package signaling

import (
	"encoding/json"
	"fmt"
)

// Relay wire message types.
const (
	TypeRegister  = "register"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Envelope is a single relay wire message. The offer, answer and candidate
// payloads are opaque to the relay and are forwarded verbatim.
type Envelope struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peerId,omitempty"`
	Target    string          `json:"target,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// FileMetadata describes the file being transferred. It is generated by the
// sender when a file is selected and is immutable once sent.
type FileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
}

// Data channel control message types.
const (
	MsgFileInfo     = "file-info"
	MsgFileAccepted = "file-accepted"
	MsgFileRejected = "file-rejected"
)

// FileInfo is the first frame of every transfer. The receiver must observe
// it before any binary chunk; the ordered channel guarantees that.
type FileInfo struct {
	MessageType string `json:"messageType"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"type"`
}

// FileAccepted is sent receiver to sender after full receipt and an
// explicit accept.
type FileAccepted struct {
	MessageType  string       `json:"messageType"`
	FileID       string       `json:"fileId"`
	FileMetadata FileMetadata `json:"fileMetadata"`
}

// FileRejected is sent receiver to sender on an explicit reject.
type FileRejected struct {
	MessageType string `json:"messageType"`
	FileID      string `json:"fileId,omitempty"`
}

// NewFileInfo builds the file-info control message for metadata.
func NewFileInfo(meta FileMetadata) FileInfo {
	return FileInfo{
		MessageType: MsgFileInfo,
		ID:          meta.ID,
		Name:        meta.Name,
		Size:        meta.Size,
		MimeType:    meta.MimeType,
	}
}

// Metadata converts a file-info frame back into metadata.
func (f FileInfo) Metadata() FileMetadata {
	return FileMetadata{
		ID:       f.ID,
		Name:     f.Name,
		Size:     f.Size,
		MimeType: f.MimeType,
	}
}

// ControlType peeks at the messageType of a text frame without decoding the
// full message.
func ControlType(data []byte) (string, error) {
	var probe struct {
		MessageType string `json:"messageType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("parsing control message: %w", err)
	}
	if probe.MessageType == "" {
		return "", fmt.Errorf("control message has no messageType")
	}
	return probe.MessageType, nil
}
