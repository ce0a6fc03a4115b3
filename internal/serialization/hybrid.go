// Package serialization implements the hybrid value codec used for span
// snapshots and checkpointed agent state.
//
// Values are encoded to a tagged JSON envelope. Plain data (numbers,
// strings, booleans, nil, and nested maps/slices of the same) is stored as
// JSON for portability. Values JSON cannot represent fall back to gob,
// base64-wrapped and tagged with the producing Go version. Values neither
// codec can handle produce an explicit error envelope — Serialize never
// fails, so the write path can always store something.
package serialization

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// Envelope type tags. These are the wire contract for stored snapshots and
// checkpoints and must not change.
const (
	typeJSON  = "json"
	typeGob   = "gob"
	typeError = "error"
)

func init() {
	// Concrete types that may appear behind `any` in a gob-encoded value.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register([]float64{})
	gob.Register(map[string]string{})
}

type envelope struct {
	Type      string          `json:"__type__"`
	Value     json.RawMessage `json:"value,omitempty"`
	Encoded   string          `json:"encoded,omitempty"` // base64 gob payload
	GoVersion string          `json:"go_version,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	ObjType   string          `json:"obj_type,omitempty"`
}

// Serialize encodes v into an envelope string. It never returns an error:
// unencodable values yield an error envelope carrying the reason and the
// value's type name.
func Serialize(v any) string {
	if raw, err := json.Marshal(v); err == nil {
		out, err := json.Marshal(envelope{Type: typeJSON, Value: raw})
		if err == nil {
			return string(out)
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err == nil {
		out, merr := json.Marshal(envelope{
			Type:      typeGob,
			Encoded:   base64.StdEncoding.EncodeToString(buf.Bytes()),
			GoVersion: runtime.Version(),
		})
		if merr == nil {
			return string(out)
		}
		err = merr
	} else {
		// Fall through to the error envelope with the gob failure.
		out, _ := json.Marshal(envelope{
			Type:    typeError,
			Reason:  fmt.Sprintf("serialization failed: %v", err),
			ObjType: fmt.Sprintf("%T", v),
		})
		return string(out)
	}

	out, _ := json.Marshal(envelope{
		Type:    typeError,
		Reason:  "serialization failed: value not representable",
		ObjType: fmt.Sprintf("%T", v),
	})
	return string(out)
}

// Deserialize decodes an envelope string produced by Serialize.
//
// Unknown type tags and corrupt envelopes return a decode error. An error
// envelope returns the recorded failure as an error. A gob payload that no
// longer decodes yields a placeholder string instead of an error, so
// inspection tooling stays usable against partially incompatible data.
func Deserialize(data string) (any, error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("serialization: invalid envelope: %w", err)
	}

	switch env.Type {
	case typeJSON:
		var v any
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return nil, fmt.Errorf("serialization: decode json value: %w", err)
		}
		return v, nil

	case typeGob:
		raw, err := base64.StdEncoding.DecodeString(env.Encoded)
		if err != nil {
			return nil, fmt.Errorf("serialization: decode base64 payload: %w", err)
		}
		var v any
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
			return fmt.Sprintf("<gob decode error: %v>", err), nil
		}
		return v, nil

	case typeError:
		return nil, fmt.Errorf("serialization: original value could not be serialized: %s", env.Reason)

	default:
		return nil, fmt.Errorf("serialization: unknown type tag %q", env.Type)
	}
}
