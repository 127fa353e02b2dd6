package executor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Terminal executions keep their combined stdout/stderr in the store
// so operators can inspect a run after the fact. Script output is
// text-like and compresses well, so it is archived as
// base64(zstd(output)) in a single field.

var (
	archiveEncoder, _ = zstd.NewWriter(nil)
	archiveDecoder, _ = zstd.NewReader(nil)
)

// archive compresses and encodes raw output for storage. Empty
// output yields an empty string so the field can be omitted.
func archive(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	compressed := archiveEncoder.EncodeAll(raw, nil)

	return base64.StdEncoding.EncodeToString(compressed)
}

// Unarchive decodes an archived output field back to raw output.
func Unarchive(field string) ([]byte, error) {
	if field == "" {
		return nil, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, fmt.Errorf("decode output archive: %w", err)
	}

	raw, err := archiveDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress output archive: %w", err)
	}

	return raw, nil
}

// outputBuffer collects combined process output. exec.Cmd writes
// from its own copy goroutine, so writes are locked; the contents
// are only read after Wait has returned.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return bytes.Clone(b.buf.Bytes())
}
