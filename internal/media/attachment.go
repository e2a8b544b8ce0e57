// Package media turns user input — a picked file or a held-down voice
// recording — into an uploaded asset descriptor the reconciliation engine
// can send as an outgoing message.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// Validation errors. Both fire before any network call.
var (
	ErrAttachmentTooLarge = errors.New("attachment exceeds the size limit")
	ErrUnsupportedType    = errors.New("attachment type is not allowed")
)

const attachmentFolder = "chat-uploads"

// blockedMIMEPrefixes are sniffed types we refuse to upload.
var blockedMIMEPrefixes = []string{
	"application/x-msdownload",
	"application/x-executable",
	"application/x-sharedlib",
	"application/vnd.microsoft.portable-executable",
}

// Uploader stores a blob and reports progress. Implemented by backend.HTTP.
type Uploader interface {
	Upload(ctx context.Context, folder, filename string, r io.Reader, size int64, onProgress backend.ProgressFunc) (*backend.UploadResult, error)
}

// Asset is the produced uploaded-asset descriptor.
type Asset struct {
	URL  string
	Name string
	Kind wire.CoarseKind
}

// Attachment returns the asset as a message attachment reference.
func (a *Asset) Attachment() *wire.Attachment {
	return &wire.Attachment{URL: a.URL, Name: a.Name, Kind: a.Kind}
}

// AttachmentPipeline validates and uploads picked files.
type AttachmentPipeline struct {
	up       Uploader
	maxBytes int64
	logger   *zap.Logger
}

// NewAttachmentPipeline creates the file-attachment producer.
func NewAttachmentPipeline(up Uploader, maxBytes int64, logger *zap.Logger) *AttachmentPipeline {
	return &AttachmentPipeline{up: up, maxBytes: maxBytes, logger: logger}
}

// Process validates the file, uploads it, and returns the asset descriptor.
func (p *AttachmentPipeline) Process(ctx context.Context, filename string, data []byte, onProgress backend.ProgressFunc) (*Asset, error) {
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrAttachmentTooLarge, len(data), p.maxBytes)
	}

	mt := mimetype.Detect(data)
	for _, blocked := range blockedMIMEPrefixes {
		if strings.HasPrefix(mt.String(), blocked) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mt.String())
		}
	}

	res, err := p.up.Upload(ctx, attachmentFolder, filename, bytes.NewReader(data), int64(len(data)), onProgress)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	return &Asset{URL: res.URL, Name: res.Name, Kind: CoarseKindForMIME(mt.String())}, nil
}

// CoarseKindForMIME maps a sniffed MIME type to the renderer-facing coarse kind.
func CoarseKindForMIME(mime string) wire.CoarseKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return wire.KindImage
	case strings.HasPrefix(mime, "audio/"):
		return wire.KindAudio
	default:
		return wire.KindFile
	}
}
