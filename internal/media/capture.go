package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// Capture parameters: 8 kHz mono mu-law, sliced into ~200 ms chunks.
const (
	captureRate      = 8000
	captureChunkSize = 1600
)

// ArecordMicrophone captures audio through the ALSA arecord utility. The
// first emitted chunk is a streaming WAV header, so concatenated chunks
// form one playable file.
type ArecordMicrophone struct {
	logger *zap.Logger
}

// NewArecordMicrophone creates the ALSA-backed microphone.
func NewArecordMicrophone(logger *zap.Logger) *ArecordMicrophone {
	return &ArecordMicrophone{logger: logger}
}

// Open starts the capture process.
func (m *ArecordMicrophone) Open(ctx context.Context) (Source, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("audio capture via arecord is only available on linux")
	}
	cmd := exec.CommandContext(ctx, "arecord",
		"-q", "-t", "raw", "-f", "MULAW",
		"-r", fmt.Sprint(captureRate), "-c", "1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start arecord: %w", err)
	}

	src := &arecordSource{
		cmd:    cmd,
		stdout: stdout,
		ch:     make(chan []byte, 16),
		logger: m.logger,
	}
	go src.loop()
	return src, nil
}

type arecordSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	ch     chan []byte
	logger *zap.Logger
}

func (s *arecordSource) Chunks() <-chan []byte { return s.ch }

func (s *arecordSource) MIME() string { return "audio/wav" }

func (s *arecordSource) Stop() {
	// Killing the process ends the stdout stream; loop then closes ch.
	_ = s.cmd.Process.Kill()
}

func (s *arecordSource) loop() {
	defer close(s.ch)
	defer func() { _ = s.cmd.Wait() }()

	s.ch <- streamingWAVHeader()
	buf := make([]byte, captureChunkSize)
	for {
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ch <- chunk
		}
		if err != nil {
			return
		}
	}
}

// streamingWAVHeader builds a mu-law WAV header with unknown data length,
// the convention for live streams.
func streamingWAVHeader() []byte {
	const (
		fmtMulaw  = 7
		unknown   = 0xFFFFFFFF
		channels  = 1
		bitDepth  = 8
		byteRate  = captureRate * channels * bitDepth / 8
		blockAlgn = channels * bitDepth / 8
	)
	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], unknown)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], fmtMulaw)
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], captureRate)
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlgn)
	binary.LittleEndian.PutUint16(h[34:36], bitDepth)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], unknown)
	return h
}
