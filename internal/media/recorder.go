package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/mic"
	"github.com/aperturehq/lenstalk/internal/sched"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// ErrNothingRecorded is returned when a recording is stopped before any
// audio chunk was captured. Recoverable: the user simply released too soon.
var ErrNothingRecorded = errors.New("nothing recorded")

// ErrNotRecording is returned when a stop arrives with no recording active.
var ErrNotRecording = errors.New("no recording in progress")

const (
	voiceFolder  = "voice-notes"
	recorderName = "recorder"
	elapsedTick  = time.Second
)

// Source is an open microphone capture producing encoded audio chunks at a
// fixed slice interval. Chunks must concatenate into one valid stream of
// the declared MIME type. Chunks closes when the source is stopped.
type Source interface {
	Chunks() <-chan []byte
	MIME() string
	Stop()
}

// Microphone acquires the capture device. Implementations wrap the
// platform's audio stack; the engine only needs the chunk stream.
type Microphone interface {
	Open(ctx context.Context) (Source, error)
}

// Recorder is the voice-note producer: press to start, stop with either a
// send or a cancel intent. The microphone is released on every exit path.
type Recorder struct {
	micro  Microphone
	guard  *mic.Guard
	up     Uploader
	sched  sched.Scheduler
	bus    *bus.Bus
	logger *zap.Logger

	mu             sync.Mutex
	src            Source
	srcMIME        string
	chunks         [][]byte
	elapsed        time.Duration
	tickCancel     sched.CancelFunc
	drainDone      chan struct{}
	conversationID string
	// A packaged note whose upload failed. The capture is kept so the
	// send can be retried; a network error never discards the audio.
	pendingData []byte
	pendingName string
}

// NewRecorder creates a voice recorder sharing the microphone guard with
// the call manager.
func NewRecorder(micro Microphone, guard *mic.Guard, up Uploader, s sched.Scheduler, b *bus.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{
		micro:  micro,
		guard:  guard,
		up:     up,
		sched:  s,
		bus:    b,
		logger: logger,
	}
}

// Recording reports whether a capture is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src != nil
}

// Elapsed returns the running capture time for UI feedback.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Start acquires the microphone and begins accumulating chunks.
func (r *Recorder) Start(ctx context.Context, conversationID string) error {
	if err := r.guard.Acquire(recorderName); err != nil {
		return err
	}

	src, err := r.micro.Open(ctx)
	if err != nil {
		r.guard.Release(recorderName)
		return &mic.PermissionError{Cause: err}
	}

	r.mu.Lock()
	if r.src != nil {
		r.mu.Unlock()
		src.Stop()
		r.guard.Release(recorderName)
		return errors.New("recording already in progress")
	}
	r.src = src
	r.srcMIME = src.MIME()
	r.chunks = nil
	r.elapsed = 0
	r.conversationID = conversationID
	r.drainDone = make(chan struct{})
	r.tickCancel = r.sched.After(elapsedTick, r.tick)
	done := r.drainDone
	r.mu.Unlock()

	go r.drain(src, done)
	r.bus.Emit("recording.started", conversationID)
	return nil
}

func (r *Recorder) drain(src Source, done chan struct{}) {
	defer close(done)
	for chunk := range src.Chunks() {
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		r.mu.Lock()
		r.chunks = append(r.chunks, buf)
		r.mu.Unlock()
	}
}

func (r *Recorder) tick() {
	r.mu.Lock()
	if r.src == nil {
		r.mu.Unlock()
		return
	}
	r.elapsed += elapsedTick
	elapsed := r.elapsed
	r.tickCancel = r.sched.After(elapsedTick, r.tick)
	r.mu.Unlock()
	r.bus.Emit("recording.elapsed", elapsed)
}

// StopSend packages the accumulated chunks into one audio asset, uploads
// it, and returns the descriptor for the reconciliation engine to send.
// The microphone is released whether or not the upload succeeds. If the
// upload fails the packaged note is retained and RetrySend re-attempts it.
func (r *Recorder) StopSend(ctx context.Context, onProgress func(float64)) (*Asset, error) {
	chunks, srcMIME, err := r.stop()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNothingRecorded
	}

	data := bytes.Join(chunks, nil)
	name := fmt.Sprintf("voice-%d%s", r.sched.Now().UnixMilli(), extensionFor(srcMIME))
	return r.upload(ctx, data, name, onProgress)
}

// HasPendingSend reports whether a packaged voice note is awaiting a retry.
func (r *Recorder) HasPendingSend() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingData) > 0
}

// RetrySend re-attempts the upload of the last voice note whose send
// failed. Returns ErrNothingRecorded when there is nothing to retry.
func (r *Recorder) RetrySend(ctx context.Context, onProgress func(float64)) (*Asset, error) {
	r.mu.Lock()
	data := r.pendingData
	name := r.pendingName
	r.mu.Unlock()
	if len(data) == 0 {
		return nil, ErrNothingRecorded
	}
	return r.upload(ctx, data, name, onProgress)
}

func (r *Recorder) upload(ctx context.Context, data []byte, name string, onProgress func(float64)) (*Asset, error) {
	res, err := r.up.Upload(ctx, voiceFolder, name, bytes.NewReader(data), int64(len(data)), onProgress)
	if err != nil {
		r.mu.Lock()
		r.pendingData = data
		r.pendingName = name
		r.mu.Unlock()
		return nil, fmt.Errorf("upload voice note: %w", err)
	}

	r.mu.Lock()
	r.pendingData = nil
	r.pendingName = ""
	r.mu.Unlock()

	asset := &Asset{URL: res.URL, Name: res.Name, Kind: wire.KindAudio}
	r.bus.Emit("recording.sent", asset)
	return asset, nil
}

// StopCancel discards the recording and releases the microphone.
func (r *Recorder) StopCancel() {
	if _, _, err := r.stop(); err == nil {
		r.bus.Emit("recording.cancelled", nil)
	}
}

// Close tears down any in-progress recording. Idempotent; used on engine
// shutdown so no path leaves a live microphone handle.
func (r *Recorder) Close() {
	r.StopCancel()
}

// stop halts capture, waits for the chunk drain to finish, and releases the
// microphone. It returns whatever was captured.
func (r *Recorder) stop() ([][]byte, string, error) {
	r.mu.Lock()
	src := r.src
	if src == nil {
		r.mu.Unlock()
		return nil, "", ErrNotRecording
	}
	r.src = nil
	if r.tickCancel != nil {
		r.tickCancel()
		r.tickCancel = nil
	}
	done := r.drainDone
	r.mu.Unlock()

	src.Stop()
	if done != nil {
		<-done
	}
	r.guard.Release(recorderName)

	r.mu.Lock()
	chunks := r.chunks
	srcMIME := r.srcMIME
	r.chunks = nil
	r.srcMIME = ""
	r.elapsed = 0
	r.conversationID = ""
	r.mu.Unlock()
	return chunks, srcMIME, nil
}

// extensionFor maps the source MIME type to a filename extension.
func extensionFor(mime string) string {
	if mt := mimetype.Lookup(mime); mt != nil && mt.Extension() != "" {
		return mt.Extension()
	}
	return ".bin"
}
