package persist

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// persistedSession is the serialization unit for one session.
type persistedSession struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Cwd         string   `json:"cwd,omitempty"`
	IsActive    bool     `json:"is_active"`
	AgentStatus string   `json:"agent_status,omitempty"`
	Scrollback  []string `json:"scrollback,omitempty"`
}

// persistedSet groups all sessions under one timestamped record.
type persistedSet struct {
	Version   int                `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	ActiveID  int                `json:"active_id"`
	Sessions  []persistedSession `json:"sessions"`
}

// encodeSet marshals and gzips a set. Scrollback dominates the payload and
// compresses well.
func encodeSet(set *persistedSet) ([]byte, error) {
	raw, err := sonic.Marshal(set)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeSet reverses encodeSet. Any malformed payload or unrecognized
// version is reported as ErrCorrupt.
func decodeSet(payload []byte) (*persistedSet, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var set persistedSet
	if err := sonic.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if set.Version != Version {
		return nil, fmt.Errorf("%w: unrecognized version %d", ErrCorrupt, set.Version)
	}
	return &set, nil
}
