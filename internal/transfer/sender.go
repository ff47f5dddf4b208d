package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v3"

	"dropwire/internal/signaling"
)

// Backpressure watermarks for the one-chunk-in-flight pipeline: sending
// pauses while the channel's buffered amount is above maxBufferedAmount and
// resumes once it drains below the low threshold.
const (
	maxBufferedAmount          = 1024 * 1024
	bufferedAmountLowWatermark = 512 * 1024
)

var (
	ErrNoChannel      = errors.New("data channel is not initialized")
	ErrNoFile         = errors.New("no file selected")
	ErrChannelNotOpen = errors.New("data channel not open")
)

// SendFile streams one file over the channel: a file-info control frame
// first, then sequential fixed-size chunks. It returns once every byte has
// been handed to the transport; receiver acceptance arrives separately as a
// file-accepted or file-rejected control message.
func (e *Engine) SendFile(ctx context.Context, r io.Reader, meta signaling.FileMetadata) error {
	ch := e.channel()
	if ch == nil {
		return ErrNoChannel
	}
	if r == nil {
		return ErrNoFile
	}
	if state := ch.ReadyState(); state != webrtc.DataChannelReadyStateOpen {
		return fmt.Errorf("%w, current state: %s", ErrChannelNotOpen, state)
	}

	infoJSON, err := json.Marshal(signaling.NewFileInfo(meta))
	if err != nil {
		return fmt.Errorf("marshaling file info: %w", err)
	}
	if err := ch.SendText(string(infoJSON)); err != nil {
		e.failTransfer(err)
		return fmt.Errorf("sending file info: %w", err)
	}
	e.log.Infof("Starting file transfer for %s (%s)", meta.Name, FormatFileSize(meta.Size))

	drained := make(chan struct{}, 1)
	ch.SetBufferedAmountLowThreshold(bufferedAmountLowWatermark)
	ch.OnBufferedAmountLow(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if ch.BufferedAmount() > maxBufferedAmount {
				select {
				case <-drained:
				case <-ctx.Done():
					e.failTransfer(ctx.Err())
					return ctx.Err()
				}
			}

			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := ch.Send(chunk); err != nil {
				e.failTransfer(err)
				return fmt.Errorf("sending chunk: %w", err)
			}
			sent += int64(n)
			if e.onSendProgress != nil {
				e.onSendProgress(Progress(sent, meta.Size))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.failTransfer(readErr)
			return fmt.Errorf("reading chunk: %w", readErr)
		}
	}

	if sent != meta.Size {
		err := fmt.Errorf("read %d bytes but metadata declares %d", sent, meta.Size)
		e.failTransfer(err)
		return err
	}
	if meta.Size == 0 && e.onSendProgress != nil {
		e.onSendProgress(100)
	}

	e.log.Infof("All %d bytes handed to transport for %s", sent, meta.Name)
	return nil
}
