package streamer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Capturer produces one screen image per call. The capture device is
// an exclusive hardware-adjacent resource, so the Streamer guarantees
// only one capture loop ever calls it at a time.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Frame is one encoded frame pushed to subscribers.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// encodeFrame compresses a captured image as JPEG at the session
// quality.
func encodeFrame(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer

	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return buf.Bytes(), nil
}

// CommandCapturer shells out to an external screenshot tool. The
// configured command is invoked with one extra argument, the path of
// a temporary PNG file the tool must write.
type CommandCapturer struct {
	// Command is the screenshot program and its fixed arguments,
	// e.g. {"scrot", "--overwrite"}.
	Command []string
}

func (c *CommandCapturer) Capture(ctx context.Context) (image.Image, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("no capture command configured")
	}

	dir, err := os.MkdirTemp("", "machinist-frame-")
	if err != nil {
		return nil, fmt.Errorf("create capture scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "frame.png")

	args := append(append([]string(nil), c.Command[1:]...), path)

	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("capture command: %w (output: %s)", err, out)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open captured frame: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode captured frame: %w", err)
	}

	return img, nil
}
