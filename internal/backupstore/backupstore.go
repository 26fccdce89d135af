// Package backupstore persists the per-disk raw-slice backup file: a
// leading slice count
// followed by that many raw-slice records, written to a temp file first
// and promoted to permanent only after a successful table write.
package backupstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/partitool/diskpart/internal/config"
	"github.com/partitool/diskpart/internal/label"
)

const recordSize = 1 /*order*/ + 1 /*kind*/ + 1 /*flags*/ + 1 /*tag*/ + 16 + 16 + 8 /*attrs*/ + 8 + 8 + 4*3 + 4*3

func encodeRecord(r label.RawSlice) []byte {
	b := make([]byte, recordSize)
	i := 0
	b[i] = byte(r.Order)
	i++
	b[i] = byte(r.Kind)
	i++
	b[i] = byte(r.Flags)
	i++
	b[i] = r.Tag
	i++
	copy(b[i:i+16], r.TypeGUID[:])
	i += 16
	copy(b[i:i+16], r.PartGUID[:])
	i += 16
	binary.LittleEndian.PutUint64(b[i:], r.Attributes)
	i += 8
	binary.LittleEndian.PutUint64(b[i:], r.StartLBA)
	i += 8
	binary.LittleEndian.PutUint64(b[i:], r.SizeLBA)
	i += 8
	putCHS(b[i:], r.StartCHS)
	i += 12
	putCHS(b[i:], r.EndCHS)
	return b
}

func putCHS(b []byte, c label.CHS) {
	binary.LittleEndian.PutUint32(b[0:4], c.Cylinder)
	binary.LittleEndian.PutUint32(b[4:8], c.Head)
	binary.LittleEndian.PutUint32(b[8:12], c.Sector)
}

func getCHS(b []byte) label.CHS {
	return label.CHS{
		Cylinder: binary.LittleEndian.Uint32(b[0:4]),
		Head:     binary.LittleEndian.Uint32(b[4:8]),
		Sector:   binary.LittleEndian.Uint32(b[8:12]),
	}
}

func decodeRecord(b []byte) label.RawSlice {
	var r label.RawSlice
	i := 0
	r.Order = int(b[i])
	i++
	r.Kind = label.Kind(b[i])
	i++
	r.Flags = label.Flags(b[i])
	i++
	r.Tag = b[i]
	i++
	r.TypeGUID, _ = uuid.FromBytes(b[i : i+16])
	i += 16
	r.PartGUID, _ = uuid.FromBytes(b[i : i+16])
	i += 16
	r.Attributes = binary.LittleEndian.Uint64(b[i:])
	i += 8
	r.StartLBA = binary.LittleEndian.Uint64(b[i:])
	i += 8
	r.SizeLBA = binary.LittleEndian.Uint64(b[i:])
	i += 8
	r.StartCHS = getCHS(b[i:])
	i += 12
	r.EndCHS = getCHS(b[i:])
	return r
}

func pathFor(diskName string) (string, error) {
	dir, err := config.BackupDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("backup-%s.raw", diskName)), nil
}

func tempPathFor(diskName string) (string, error) {
	dir, err := config.EnsureTempDir("backup")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("backup-%s.raw", diskName)), nil
}

// WriteTemp writes a temporary backup (created at read time on a
// read-write session) for diskName; call PromoteTemp on a
// successful table write.
func WriteTemp(diskName string, slices []label.RawSlice) error {
	path, err := tempPathFor(diskName)
	if err != nil {
		return err
	}
	return writeFile(path, slices)
}

// PromoteTemp renames diskName's temp backup over its permanent backup
// file, the final step of a successful table write.
func PromoteTemp(diskName string) error {
	tmp, err := tempPathFor(diskName)
	if err != nil {
		return err
	}
	perm, err := pathFor(diskName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(tmp); err != nil {
		return fmt.Errorf("promote backup for %s: %w", diskName, err)
	}
	if err := archivePrior(perm); err != nil {
		return fmt.Errorf("archive prior backup for %s: %w", diskName, err)
	}
	if err := os.Rename(tmp, perm); err != nil {
		return fmt.Errorf("promote backup for %s: %w", diskName, err)
	}
	return nil
}

// archivePrior keeps a zstd-compressed copy of the permanent backup a
// promotion is about to supersede, so one write mistake remains
// recoverable via ReadPrevious.
func archivePrior(perm string) error {
	data, err := os.ReadFile(perm)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	out := enc.EncodeAll(data, nil)
	enc.Close()
	return os.WriteFile(perm+".zst", out, 0o644)
}

// ReadPrevious loads the zstd-archived backup superseded by the most
// recent promotion.
func ReadPrevious(diskName string) ([]label.RawSlice, error) {
	perm, err := pathFor(diskName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(perm + ".zst")
	if err != nil {
		return nil, fmt.Errorf("read archived backup for %s: %w", diskName, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archived backup for %s: %w", diskName, err)
	}
	return decodeAll(raw)
}

// DiscardTemp deletes a temp backup without promoting it (quit without
// writing).
func DiscardTemp(diskName string) error {
	tmp, err := tempPathFor(diskName)
	if err != nil {
		return err
	}
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Available reports whether a permanent backup exists for diskName.
func Available(diskName string) bool {
	path, err := pathFor(diskName)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Read loads diskName's permanent backup file.
func Read(diskName string) ([]label.RawSlice, error) {
	path, err := pathFor(diskName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup for %s: %w", diskName, err)
	}
	return decodeAll(data)
}

func writeFile(path string, slices []label.RawSlice) error {
	buf := make([]byte, 4, 4+len(slices)*recordSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(slices)))
	for _, s := range slices {
		buf = append(buf, encodeRecord(s)...)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func decodeAll(data []byte) ([]label.RawSlice, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("backup file truncated")
	}
	count := binary.LittleEndian.Uint32(data)
	want := 4 + int(count)*recordSize
	if len(data) < want {
		return nil, fmt.Errorf("backup file truncated: want %d bytes, have %d", want, len(data))
	}
	out := make([]label.RawSlice, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		out = append(out, decodeRecord(data[off:off+recordSize]))
		off += recordSize
	}
	return out, nil
}
