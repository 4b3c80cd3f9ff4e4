package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps engine logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEWATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for commands that cannot recover.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Operator Reporting ---

// Reporter writes emoji-prefixed status lines for the operator.
// The zero value writes to os.Stderr.
type Reporter struct {
	Out io.Writer
	mu  sync.Mutex
}

// NewReporter returns a Reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{Out: w}
}

func (r *Reporter) printf(prefix, format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, prefix+format+"\n", args...)
}

// Infof reports normal progress.
func (r *Reporter) Infof(format string, args ...any) { r.printf("ℹ️  ", format, args...) }

// Warnf reports a recoverable problem.
func (r *Reporter) Warnf(format string, args ...any) { r.printf("⚠️  ", format, args...) }

// Errorf reports a failure that was handled without stopping.
func (r *Reporter) Errorf(format string, args ...any) { r.printf("❌ ", format, args...) }

// Alertf reports an emotion alert.
func (r *Reporter) Alertf(format string, args ...any) { r.printf("🔔 ", format, args...) }

// --- 3. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureInput describes a camera or stream for ffmpeg.
type CaptureInput struct {
	Format    string // ffmpeg demuxer, e.g. "v4l2", "avfoundation"; empty lets ffmpeg guess
	Device    string // e.g. "/dev/video0", "0", "rtsp://..."
	Width     int
	Height    int
	FrameRate int
}

// NewFFmpegCaptureCmd creates a decoder pipe reading from a live device.
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCaptureCmd(ctx context.Context, in CaptureInput) *exec.Cmd {
	args := append([]string{"-hide_banner", "-loglevel", "error"}, in.inputArgs()...)
	args = append(args, "-i", in.Device, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// inputArgs are the demuxer options shared by ffmpeg and ffprobe, so both
// open the device in the same mode.
func (in CaptureInput) inputArgs() []string {
	var args []string
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	if in.FrameRate > 0 {
		args = append(args, "-framerate", fmt.Sprint(in.FrameRate))
	}
	if in.Width > 0 && in.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
	}
	return args
}

func probeArgs(in CaptureInput) []string {
	args := append([]string{"-v", "error"}, in.inputArgs()...)
	return append(args, "-select_streams", "v:0", "-show_entries", "stream=width,height", "-of", "json", in.Device)
}

// ProbeResolution uses ffprobe to read the native resolution of the first video stream.
func ProbeResolution(ctx context.Context, in CaptureInput) (int, int, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0, 0, fmt.Errorf("ffprobe not found: %w", err)
	}

	out, err := exec.CommandContext(ctx, "ffprobe", probeArgs(in)...).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeResolution(out)
}

func parseProbeResolution(out []byte) (int, int, error) {
	var res struct {
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, 0, fmt.Errorf("ffprobe reported no video stream")
	}
	return res.Streams[0].Width, res.Streams[0].Height, nil
}
