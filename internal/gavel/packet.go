package gavel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gantry/internal/task"
)

// PacketStore reads and writes per-task review packets. Workers materialize
// the packet before calling complete; the gavel treats a missing packet as
// missing evidence.
type PacketStore struct {
	dir string
}

// NewPacketStore creates a packet store rooted at dir.
func NewPacketStore(dir string) *PacketStore {
	return &PacketStore{dir: dir}
}

func (p *PacketStore) path(taskID int64) string {
	return filepath.Join(p.dir, fmt.Sprintf("%d.json", taskID))
}

// Write persists a packet. Packets are immutable once submitted: a second
// write for the same task is rejected.
func (p *PacketStore) Write(packet *task.ReviewPacket) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create packet dir: %w", err)
	}
	target := p.path(packet.TaskID)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("packet for task %d already submitted", packet.TaskID)
	}

	data, err := json.MarshalIndent(packet, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, 0644)
}

// Read loads a packet; nil without error when none was submitted.
func (p *PacketStore) Read(taskID int64) (*task.ReviewPacket, error) {
	data, err := os.ReadFile(p.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var packet task.ReviewPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, fmt.Errorf("malformed packet for task %d: %w", taskID, err)
	}
	return &packet, nil
}

// Provenance maps source ids to the code locations that reference them.
// Loaded once from the state directory.
type Provenance map[string][]string

// LoadProvenance reads the provenance map; a missing file is an empty map.
func LoadProvenance(path string) (Provenance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Provenance{}, nil
		}
		return nil, err
	}
	var p Provenance
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed provenance map: %w", err)
	}
	return p, nil
}

// HasEvidence reports whether any code location references the source id,
// in either the global provenance map or the task's packet.
func (p Provenance) HasEvidence(sourceID string, packet *task.ReviewPacket) bool {
	if len(p[sourceID]) > 0 {
		return true
	}
	if packet != nil && len(packet.Evidence[sourceID]) > 0 {
		return true
	}
	return false
}
