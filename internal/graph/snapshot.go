package graph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// snapshotVersion is bumped whenever the encoded layout changes. A snapshot
// with a different version is treated as missing.
const snapshotVersion = 1

// ErrSnapshotVersion is returned when a snapshot was written by another layout.
var ErrSnapshotVersion = errors.New("unsupported graph snapshot version")

type snapshot struct {
	Version    int      `cbor:"1,keyasint"`
	Watermark  uint64   `cbor:"2,keyasint"`
	NextEdgeID uint64   `cbor:"3,keyasint"`
	NextMetaID int64    `cbor:"4,keyasint"`
	Recent     []NodeID `cbor:"5,keyasint"`
	Nodes      []Node   `cbor:"6,keyasint"`
	Edges      []Edge   `cbor:"7,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("graph: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("graph: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("graph: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("graph: zstd decoder initialization failed: " + err.Error())
	}
}

// MarshalBinary encodes the full graph state as zstd-compressed CBOR.
func (g *Graph) MarshalBinary() ([]byte, error) {
	g.mu.RLock()
	snap := snapshot{
		Version:    snapshotVersion,
		Watermark:  g.watermark,
		NextEdgeID: g.nextEdgeID,
		NextMetaID: int64(g.nextMetaID),
		Recent:     append([]NodeID(nil), g.recent...),
		Nodes:      make([]Node, 0, len(g.nodes)),
		Edges:      make([]Edge, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n.clone())
	}
	for _, id := range g.sortedEdgeIDsLocked() {
		snap.Edges = append(snap.Edges, *g.edges[id])
	}
	g.mu.RUnlock()

	raw, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding graph snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// UnmarshalBinary replaces the graph state with a decoded snapshot. On error
// the graph may be partially populated and should be discarded.
func (g *Graph) UnmarshalBinary(data []byte) error {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompressing graph snapshot: %w", err)
	}
	var snap snapshot
	if err := decMode.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decoding graph snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.reset()
	g.watermark = snap.Watermark
	g.nextEdgeID = snap.NextEdgeID
	g.nextMetaID = NodeID(snap.NextMetaID)
	g.recent = snap.Recent

	for i := range snap.Nodes {
		n := snap.Nodes[i]
		g.nodes[n.ID] = &n
		if n.Meta {
			g.metaByCluster[n.ClusterKey] = n.ID
		}
	}
	for i := range snap.Edges {
		e := snap.Edges[i]
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("decoding graph snapshot: edge %d references missing node %d", e.ID, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("decoding graph snapshot: edge %d references missing node %d", e.ID, e.To)
		}
		g.edges[e.ID] = &e
		g.link(e.From, e.ID)
		g.link(e.To, e.ID)
	}
	return nil
}

// SaveSnapshot writes the graph to path atomically (temp file and rename).
func (g *Graph) SaveSnapshot(path string) error {
	data, err := g.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".graph-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a graph written by SaveSnapshot. Window and threshold
// come from opts, not from the snapshot.
func LoadSnapshot(path string, opts ...Option) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	g := New(opts...)
	if err := g.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return g, nil
}
