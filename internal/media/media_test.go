package media

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/mic"
	"github.com/aperturehq/lenstalk/internal/sched"
	"github.com/aperturehq/lenstalk/internal/wire"
)

type fakeUploader struct {
	err      error
	gotName  string
	gotData  []byte
	gotSize  int64
	gotCalls int
}

func (f *fakeUploader) Upload(_ context.Context, _, filename string, r io.Reader, size int64, _ backend.ProgressFunc) (*backend.UploadResult, error) {
	f.gotCalls++
	f.gotName = filename
	f.gotSize = size
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.gotData = data
	if f.err != nil {
		return nil, f.err
	}
	return &backend.UploadResult{URL: "https://cdn.example/" + filename, Name: filename}, nil
}

// pngHeader is enough of a PNG for MIME sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

func TestAttachmentPipelineUploadsAndClassifies(t *testing.T) {
	up := &fakeUploader{}
	p := NewAttachmentPipeline(up, 1<<20, zap.NewNop())

	asset, err := p.Process(context.Background(), "photo.png", pngHeader, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if asset.Kind != wire.KindImage {
		t.Errorf("got kind %q, want image", asset.Kind)
	}
	if asset.URL == "" || asset.Name != "photo.png" {
		t.Errorf("unexpected asset: %+v", asset)
	}
	att := asset.Attachment()
	if att.URL != asset.URL || att.Kind != wire.KindImage {
		t.Errorf("attachment mismatch: %+v", att)
	}
}

func TestAttachmentPipelineRejectsOversized(t *testing.T) {
	up := &fakeUploader{}
	p := NewAttachmentPipeline(up, 4, zap.NewNop())

	_, err := p.Process(context.Background(), "big.bin", []byte("hello world"), nil)
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("got %v, want ErrAttachmentTooLarge", err)
	}
	if up.gotCalls != 0 {
		t.Error("validation must fire before any upload")
	}
}

func TestAttachmentPipelineBlocksExecutables(t *testing.T) {
	up := &fakeUploader{}
	p := NewAttachmentPipeline(up, 1<<20, zap.NewNop())

	// DOS MZ header sniffs as a Windows executable.
	exe := append([]byte("MZ"), make([]byte, 64)...)
	_, err := p.Process(context.Background(), "setup.exe", exe, nil)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("got %v, want ErrUnsupportedType", err)
	}
	if up.gotCalls != 0 {
		t.Error("blocked types must never reach the uploader")
	}
}

func TestCoarseKindForMIME(t *testing.T) {
	cases := []struct {
		mime string
		want wire.CoarseKind
	}{
		{"image/png", wire.KindImage},
		{"image/jpeg", wire.KindImage},
		{"audio/wav", wire.KindAudio},
		{"application/pdf", wire.KindFile},
		{"text/plain; charset=utf-8", wire.KindFile},
	}
	for _, c := range cases {
		if got := CoarseKindForMIME(c.mime); got != c.want {
			t.Errorf("CoarseKindForMIME(%q) = %q, want %q", c.mime, got, c.want)
		}
	}
}

type fakeSource struct {
	ch      chan []byte
	stopped bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan []byte, 16)}
}

func (f *fakeSource) Chunks() <-chan []byte { return f.ch }
func (f *fakeSource) MIME() string          { return "audio/wav" }

func (f *fakeSource) Stop() {
	if !f.stopped {
		f.stopped = true
		close(f.ch)
	}
}

type fakeMicrophone struct {
	src     *fakeSource
	openErr error
}

func (f *fakeMicrophone) Open(context.Context) (Source, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.src = newFakeSource()
	return f.src, nil
}

func newTestRecorder(micro Microphone, up Uploader) (*Recorder, *mic.Guard) {
	guard := &mic.Guard{}
	r := NewRecorder(micro, guard, up, sched.New(clockwork.NewFakeClock()), bus.New(), zap.NewNop())
	return r, guard
}

func TestRecorderStopSendUploadsJoinedChunks(t *testing.T) {
	micro := &fakeMicrophone{}
	up := &fakeUploader{}
	r, guard := newTestRecorder(micro, up)

	if err := r.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if guard.Holder() != "recorder" {
		t.Fatalf("got holder %q, want recorder", guard.Holder())
	}

	micro.src.ch <- []byte("RIFF")
	micro.src.ch <- []byte("data")

	asset, err := r.StopSend(context.Background(), nil)
	if err != nil {
		t.Fatalf("StopSend: %v", err)
	}
	if asset.Kind != wire.KindAudio {
		t.Errorf("got kind %q, want audio", asset.Kind)
	}
	if string(up.gotData) != "RIFFdata" {
		t.Errorf("got upload data %q, want RIFFdata", up.gotData)
	}
	if guard.Holder() != "" {
		t.Errorf("microphone still held by %q", guard.Holder())
	}
	if r.Recording() {
		t.Error("recorder must be idle after StopSend")
	}
}

func TestRecorderStopSendNothingRecorded(t *testing.T) {
	micro := &fakeMicrophone{}
	r, guard := newTestRecorder(micro, &fakeUploader{})

	if err := r.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := r.StopSend(context.Background(), nil)
	if !errors.Is(err, ErrNothingRecorded) {
		t.Fatalf("got %v, want ErrNothingRecorded", err)
	}
	if guard.Holder() != "" {
		t.Errorf("microphone must be released even with nothing recorded, held by %q", guard.Holder())
	}
}

func TestRecorderStopWithoutStart(t *testing.T) {
	r, _ := newTestRecorder(&fakeMicrophone{}, &fakeUploader{})
	if _, err := r.StopSend(context.Background(), nil); !errors.Is(err, ErrNotRecording) {
		t.Errorf("got %v, want ErrNotRecording", err)
	}
}

func TestRecorderCancelDiscards(t *testing.T) {
	micro := &fakeMicrophone{}
	up := &fakeUploader{}
	r, guard := newTestRecorder(micro, up)

	if err := r.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	micro.src.ch <- []byte("audio")
	r.StopCancel()

	if up.gotCalls != 0 {
		t.Error("cancel must not upload")
	}
	if guard.Holder() != "" {
		t.Errorf("microphone still held by %q", guard.Holder())
	}

	// A fresh recording starts clean.
	if err := r.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start after cancel: %v", err)
	}
	_, err := r.StopSend(context.Background(), nil)
	if !errors.Is(err, ErrNothingRecorded) {
		t.Errorf("cancelled chunks leaked into the next recording: %v", err)
	}
}

func TestRecorderUploadFailureReleasesMic(t *testing.T) {
	micro := &fakeMicrophone{}
	up := &fakeUploader{err: errors.New("network down")}
	r, guard := newTestRecorder(micro, up)

	if err := r.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	micro.src.ch <- []byte("audio")

	if _, err := r.StopSend(context.Background(), nil); err == nil {
		t.Fatal("expected upload error")
	}
	if guard.Holder() != "" {
		t.Errorf("microphone must be released on upload failure, held by %q", guard.Holder())
	}
}

// A failed upload keeps the packaged note so the send can be retried; the
// recording is never discarded on a network error.
func TestRecorderRetrySendAfterUploadFailure(t *testing.T) {
	micro := &fakeMicrophone{}
	up := &fakeUploader{err: errors.New("network down")}
	r, _ := newTestRecorder(micro, up)

	if err := r.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	micro.src.ch <- []byte("RIFF")
	micro.src.ch <- []byte("data")

	if _, err := r.StopSend(context.Background(), nil); err == nil {
		t.Fatal("expected upload error")
	}
	if !r.HasPendingSend() {
		t.Fatal("failed upload must leave a retryable note")
	}

	up.err = nil
	asset, err := r.RetrySend(context.Background(), nil)
	if err != nil {
		t.Fatalf("RetrySend: %v", err)
	}
	if string(up.gotData) != "RIFFdata" {
		t.Errorf("retry uploaded %q, want RIFFdata", up.gotData)
	}
	if asset.Kind != wire.KindAudio {
		t.Errorf("got kind %q, want audio", asset.Kind)
	}
	if r.HasPendingSend() {
		t.Error("successful retry must clear the pending note")
	}
	if _, err := r.RetrySend(context.Background(), nil); !errors.Is(err, ErrNothingRecorded) {
		t.Errorf("got %v, want ErrNothingRecorded after the note is sent", err)
	}
}

func TestRecorderOpenFailure(t *testing.T) {
	micro := &fakeMicrophone{openErr: errors.New("no device")}
	r, guard := newTestRecorder(micro, &fakeUploader{})

	err := r.Start(context.Background(), "c1")
	var perm *mic.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("got %v, want PermissionError", err)
	}
	if guard.Holder() != "" {
		t.Errorf("guard must be released on open failure, held by %q", guard.Holder())
	}
}

func TestRecorderRespectsGuard(t *testing.T) {
	r, guard := newTestRecorder(&fakeMicrophone{}, &fakeUploader{})
	if err := guard.Acquire("call"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	err := r.Start(context.Background(), "c1")
	var busy *mic.BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("got %v, want BusyError", err)
	}
	if busy.Holder != "call" {
		t.Errorf("got holder %q, want call", busy.Holder)
	}
}

func TestExtensionFor(t *testing.T) {
	if got := extensionFor("audio/wav"); got != ".wav" {
		t.Errorf("got %q, want .wav", got)
	}
	if got := extensionFor("not/a-type"); got != ".bin" {
		t.Errorf("got %q, want .bin", got)
	}
}
