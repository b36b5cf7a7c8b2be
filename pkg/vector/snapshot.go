package vector

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Snapshot file layout, little endian:
//
//	magic        8 bytes "KPVXSNAP"
//	format       uint16
//	model length uint16, model bytes
//	dimension    uint32
//	count        uint32
//	body hash    32 bytes (SHA-256 of the body)
//	body         count entries of (service_id int64, version_tag int64,
//	             dimension float32s)
//
// The header makes a snapshot self-describing: loading verifies magic,
// format, model, dimension and body hash before any entry is applied.

var snapshotMagic = []byte("KPVXSNAP")

const snapshotFormat uint16 = 1

// SnapshotMeta describes a snapshot file.
type SnapshotMeta struct {
	Model     string
	Dimension int
	Count     int
	BodyHash  [32]byte
}

// WriteSnapshot serializes entries to path atomically: the file is
// written to a temp sibling and renamed into place.
func WriteSnapshot(path, model string, dimension int, entries []Entry) (SnapshotMeta, error) {
	meta := SnapshotMeta{Model: model, Dimension: dimension, Count: len(entries)}

	// Stable entry order keeps snapshot bytes reproducible.
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ServiceID < sorted[j].ServiceID })

	var body bytes.Buffer
	for _, e := range sorted {
		if len(e.Vector) != dimension {
			return meta, fmt.Errorf("entry %d has dimension %d, want %d", e.ServiceID, len(e.Vector), dimension)
		}
		if err := binary.Write(&body, binary.LittleEndian, e.ServiceID); err != nil {
			return meta, err
		}
		if err := binary.Write(&body, binary.LittleEndian, e.VersionTag); err != nil {
			return meta, err
		}
		for _, f := range e.Vector {
			if err := binary.Write(&body, binary.LittleEndian, math.Float32bits(f)); err != nil {
				return meta, err
			}
		}
	}
	meta.BodyHash = sha256.Sum256(body.Bytes())

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return meta, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return meta, fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := writeHeader(w, meta); err != nil {
		tmp.Close()
		return meta, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		tmp.Close()
		return meta, fmt.Errorf("failed to write snapshot body: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return meta, fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return meta, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return meta, fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return meta, fmt.Errorf("failed to rename snapshot into place: %w", err)
	}
	return meta, nil
}

func writeHeader(w io.Writer, meta SnapshotMeta) error {
	if _, err := w.Write(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, snapshotFormat); err != nil {
		return err
	}
	modelBytes := []byte(meta.Model)
	if err := binary.Write(w, binary.LittleEndian, uint16(len(modelBytes))); err != nil {
		return err
	}
	if _, err := w.Write(modelBytes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(meta.Dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(meta.Count)); err != nil {
		return err
	}
	_, err := w.Write(meta.BodyHash[:])
	return err
}

// ReadSnapshotMeta reads and validates only the header.
func ReadSnapshotMeta(path string) (SnapshotMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotMeta{}, err
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}

func readHeader(r io.Reader) (SnapshotMeta, error) {
	var meta SnapshotMeta

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return meta, fmt.Errorf("failed to read snapshot magic: %w", err)
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return meta, fmt.Errorf("not a snapshot file")
	}

	var format uint16
	if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
		return meta, err
	}
	if format != snapshotFormat {
		return meta, fmt.Errorf("unsupported snapshot format %d", format)
	}

	var modelLen uint16
	if err := binary.Read(r, binary.LittleEndian, &modelLen); err != nil {
		return meta, err
	}
	modelBytes := make([]byte, modelLen)
	if _, err := io.ReadFull(r, modelBytes); err != nil {
		return meta, err
	}
	meta.Model = string(modelBytes)

	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return meta, err
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return meta, err
	}
	meta.Dimension = int(dim)
	meta.Count = int(count)

	if _, err := io.ReadFull(r, meta.BodyHash[:]); err != nil {
		return meta, err
	}
	return meta, nil
}

// ReadSnapshot loads and verifies a snapshot file.
func ReadSnapshot(path string) (SnapshotMeta, []Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotMeta{}, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	meta, err := readHeader(r)
	if err != nil {
		return meta, nil, err
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return meta, nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}
	if sha256.Sum256(body) != meta.BodyHash {
		return meta, nil, fmt.Errorf("snapshot body hash mismatch")
	}

	entrySize := 16 + 4*meta.Dimension
	if len(body) != entrySize*meta.Count {
		return meta, nil, fmt.Errorf("snapshot body size %d does not match count %d", len(body), meta.Count)
	}

	entries := make([]Entry, meta.Count)
	br := bytes.NewReader(body)
	for i := range entries {
		if err := binary.Read(br, binary.LittleEndian, &entries[i].ServiceID); err != nil {
			return meta, nil, err
		}
		if err := binary.Read(br, binary.LittleEndian, &entries[i].VersionTag); err != nil {
			return meta, nil, err
		}
		vec := make([]float32, meta.Dimension)
		for j := range vec {
			var bits uint32
			if err := binary.Read(br, binary.LittleEndian, &bits); err != nil {
				return meta, nil, err
			}
			vec[j] = math.Float32frombits(bits)
		}
		entries[i].Vector = vec
	}
	return meta, entries, nil
}
