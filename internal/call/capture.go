package call

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/pion/webrtc/v4"
)

// Call audio runs as 8 kHz mono PCMU in 20 ms frames.
const (
	pcmuRate      = 8000
	pcmuFrameSize = 160
	pcmuFrameDur  = 20 * time.Millisecond
)

// PCMUCodec is the track capability matching ArecordOpenSource output.
var PCMUCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: pcmuRate,
	Channels:  1,
}

// ArecordOpenSource opens the ALSA arecord utility as a PCMU frame source
// for the local call track.
func ArecordOpenSource(ctx context.Context) (SampleSource, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("audio capture via arecord is only available on linux")
	}
	cmd := exec.CommandContext(ctx, "arecord",
		"-q", "-t", "raw", "-f", "MULAW",
		"-r", fmt.Sprint(pcmuRate), "-c", "1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start arecord: %w", err)
	}
	return &arecordSampleSource{cmd: cmd, stdout: stdout}, nil
}

type arecordSampleSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (s *arecordSampleSource) ReadSample() (Sample, error) {
	buf := make([]byte, pcmuFrameSize)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		return Sample{}, err
	}
	return Sample{Data: buf, Duration: pcmuFrameDur}, nil
}

func (s *arecordSampleSource) Close() error {
	err := s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	return err
}
