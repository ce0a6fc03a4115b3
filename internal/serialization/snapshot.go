package serialization

import (
	"fmt"

	"github.com/clearstone-ai/clearstone/internal/model"
)

// DefaultMaxSnapshotBytes is the ceiling on a single encoded snapshot.
// Protects the trace store from unbounded span payloads.
const DefaultMaxSnapshotBytes = 1 << 20 // 1 MiB

// Capture serializes v and wraps it in a bounded snapshot. If the encoded
// form exceeds maxBytes (DefaultMaxSnapshotBytes when maxBytes <= 0) the
// value is not stored and the snapshot carries the reason instead.
// Capture never fails: encoding problems surface as an error envelope
// inside the snapshot data, size rejections as Captured=false.
func Capture(v any, maxBytes int) model.Snapshot {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSnapshotBytes
	}

	data := Serialize(v)
	size := len(data)

	if size > maxBytes {
		return model.Snapshot{
			Captured: false,
			Reason:   fmt.Sprintf("snapshot size (%d bytes) exceeds limit of %d bytes", size, maxBytes),
			Type:     fmt.Sprintf("%T", v),
		}
	}

	return model.Snapshot{
		Captured:  true,
		Data:      data,
		SizeBytes: size,
		Type:      fmt.Sprintf("%T", v),
	}
}
