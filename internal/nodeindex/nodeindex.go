// Package nodeindex reads the node's block-index LevelDB. The live
// directory is never opened directly: a copy is taken first so the node's
// own lock and compactions are untouched.
package nodeindex

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"
)

// Status bits of interest inside a block-index record.
const (
	blockHaveData uint64 = 8
	blockHaveUndo uint64 = 16
)

// Record is one parsed block-index entry.
type Record struct {
	Hash       chainhash.Hash
	PrevBlock  chainhash.Hash
	HeightHint int64
	Bits       uint32
	Status     uint64
	TxCount    uint64
	File       int32
	DataPos    uint32
	UndoPos    uint32
}

// HasData reports whether the node stored the block's bytes on disk, i.e.
// File and DataPos are meaningful.
func (r Record) HasData() bool { return r.Status&blockHaveData != 0 }

// Reader scans a copied block-index directory.
type Reader struct {
	dir     string
	scratch string
	logger  *zap.Logger
}

// NewReader prepares a reader over the node index at dir. scratch names a
// directory the reader may create temp copies under.
func NewReader(dir, scratch string, logger *zap.Logger) *Reader {
	return &Reader{dir: dir, scratch: scratch, logger: logger.Named("nodeindex")}
}

// Records copies the index directory, opens the copy read-only and parses
// every block record. The copy is removed before returning on all paths.
func (r *Reader) Records() ([]Record, error) {
	tmp, err := os.MkdirTemp(r.scratch, "node-index-*")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			r.logger.Warn("failed to remove index copy", zap.String("dir", tmp), zap.Error(err))
		}
	}()

	if err := copyDir(r.dir, tmp); err != nil {
		return nil, fmt.Errorf("copy node index: %w", err)
	}
	return r.scan(tmp)
}

func (r *Reader) scan(dir string) ([]Record, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{ReadOnly: true, ErrorIfMissing: true})
	if err != nil {
		return nil, fmt.Errorf("open node index: %w", err)
	}
	defer db.Close()

	var (
		records     []Record
		parseErrors int
	)
	iter := db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != 33 || key[0] != 'b' {
			continue
		}
		rec, err := parseRecord(key, iter.Value())
		if err != nil {
			parseErrors++
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate node index: %w", err)
	}

	r.logger.Info("scanned node block index",
		zap.Int("records", len(records)),
		zap.Int("parse_errors", parseErrors))
	return records, nil
}

// parseRecord decodes one CDiskBlockIndex value. Layout: serialization
// version, height, status and tx count as base-128 varints; file, data
// and undo positions present per the status bits; then four flag bytes,
// the header version, the stake-modifier vector, and the header fields up
// to nBits.
func parseRecord(key, value []byte) (Record, error) {
	var rec Record
	copy(rec.Hash[:], key[1:])

	offset := 0
	if _, err := readVarint(value, &offset); err != nil { // nSerVersion
		return rec, err
	}
	height, err := readVarint(value, &offset)
	if err != nil {
		return rec, err
	}
	rec.HeightHint = int64(height)

	rec.Status, err = readVarint(value, &offset)
	if err != nil {
		return rec, err
	}
	rec.TxCount, err = readVarint(value, &offset)
	if err != nil {
		return rec, err
	}

	if rec.Status&(blockHaveData|blockHaveUndo) != 0 {
		// nFile uses the nonnegative-signed encoding: value is doubled.
		file, err := readVarint(value, &offset)
		if err != nil {
			return rec, err
		}
		rec.File = int32(file / 2)
	}
	if rec.Status&blockHaveData != 0 {
		pos, err := readVarint(value, &offset)
		if err != nil {
			return rec, err
		}
		rec.DataPos = uint32(pos)
	}
	if rec.Status&blockHaveUndo != 0 {
		pos, err := readVarint(value, &offset)
		if err != nil {
			return rec, err
		}
		rec.UndoPos = uint32(pos)
	}

	// nFlags and nVersion
	if err := skipBytes(value, &offset, 8); err != nil {
		return rec, err
	}
	// vStakeModifier
	if _, err := readVector(value, &offset); err != nil {
		return rec, err
	}

	if len(value) < offset+32+32+4+4 {
		return rec, errVarint
	}
	copy(rec.PrevBlock[:], value[offset:offset+32])
	offset += 32
	offset += 32 // merkle root
	offset += 4  // nTime
	rec.Bits = binary.LittleEndian.Uint32(value[offset : offset+4])
	return rec, nil
}

func skipBytes(data []byte, offset *int, n int) error {
	if len(data) < *offset+n {
		return errVarint
	}
	*offset += n
	return nil
}

// copyDir clones src into dst recursively. Only regular files and
// directories are carried over; the node's LOCK file is skipped.
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() || entry.Name() == "LOCK" {
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
