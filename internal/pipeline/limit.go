package pipeline

import (
	"fmt"

	"github.com/hetu-io/hetu/internal/herrors"
)

// DefaultMaxFrameBytes is spec.md §6's "max frame size 10240 bytes after
// decoding", and internal/config's MaxFrameBytes default.
const DefaultMaxFrameBytes = 10240

// CheckFrameSize enforces the pipeline's first layer: a decoded frame
// larger than maxBytes is a VALIDATION error, which disconnects the
// connection per spec.md §7. maxBytes <= 0 falls back to
// DefaultMaxFrameBytes, mirroring the teacher's BodyLimitMiddleware
// "conservative default when unset" idiom.
func CheckFrameSize(decoded []byte, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(decoded) > maxBytes {
		return herrors.Validation(fmt.Sprintf("pipeline: frame exceeds max size (%d > %d bytes)", len(decoded), maxBytes))
	}
	return nil
}
