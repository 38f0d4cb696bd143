package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// TranscriptEntry is one committed line of detected speech or subtitle
// text, anchored to the frame it was observed on.
type TranscriptEntry struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Source    string    `json:"source"` // "speech" or "subtitle"
}

// TranscriptChunk is one ten-minute bucket of transcript entries, stored
// as transcript/<hour>/chunk_10min_<i>.json under the device folder.
type TranscriptChunk struct {
	Hour       string            `json:"hour"`
	ChunkIndex int               `json:"chunk_index"`
	Entries    []TranscriptEntry `json:"entries"`
}

// ChunkPath places a chunk file for the given wall-clock time.
func ChunkPath(deviceDir string, at time.Time) string {
	hour := at.Format("15")
	idx := at.Minute() / 10
	return filepath.Join(deviceDir, "transcript", hour, fmt.Sprintf("chunk_10min_%d.json", idx))
}

// AppendTranscript commits one entry into the chunk covering the entry's
// timestamp, read-modify-write with an atomic replace.
func AppendTranscript(deviceDir string, entry TranscriptEntry) error {
	path := ChunkPath(deviceDir, entry.Timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	chunk := TranscriptChunk{
		Hour:       entry.Timestamp.Format("15"),
		ChunkIndex: entry.Timestamp.Minute() / 10,
	}
	if raw, err := os.ReadFile(path); err == nil { // #nosec G304 -- capture-root confined
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return fmt.Errorf("decode transcript chunk %s: %w", path, err)
		}
	}
	chunk.Entries = append(chunk.Entries, entry)

	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, raw, 0o644)
}

// ReadTranscriptChunk loads one chunk; a missing file is an empty chunk.
func ReadTranscriptChunk(deviceDir string, at time.Time) (TranscriptChunk, error) {
	path := ChunkPath(deviceDir, at)
	raw, err := os.ReadFile(path) // #nosec G304 -- capture-root confined
	if os.IsNotExist(err) {
		return TranscriptChunk{Hour: at.Format("15"), ChunkIndex: at.Minute() / 10}, nil
	}
	if err != nil {
		return TranscriptChunk{}, err
	}
	var chunk TranscriptChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return TranscriptChunk{}, fmt.Errorf("decode transcript chunk %s: %w", path, err)
	}
	return chunk, nil
}
