// Package cfile implements the CFile columnar block container described in
// spec.md §4.2: one file per (rowset, column), holding the column's values
// as a sequence of framed, checksummed, optionally compressed data blocks,
// a positional B-tree index, an optional value index, and a trailing
// footer of block metadata.
//
// No protobuf toolchain is available in this environment (see
// SPEC_FULL.md's domain-stack notes), so the footer that would be a
// generated protobuf message upstream is instead a hand-rolled
// encoding/binary structure, versioned the same way the magic header is.
package cfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/erigontech/kudu-tablet-core/cfile/encoding"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// magic identifies a CFile and its format version. v1 is the only version
// this module emits; the byte is kept distinct from the rest of the header
// so a future v2 (e.g. adding a per-block dictionary-id) can be introduced
// without breaking v1 readers.
var magic = [8]byte{'k', 'u', 'd', 'u', 'c', 'f', 'l', 1}

// crcTable is the Castagnoli (CRC32C) polynomial table, the checksum Kudu's
// CFile format and this module both use for block framing.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockPointer locates one framed block within the file.
type BlockPointer struct {
	Offset uint64
	Size   uint32
}

// frameBlock wraps a block payload in the on-disk frame:
//
//	uncompressed_len u32 | compressed_len u32 | payload | crc32c u32
//
// compressed_len equals uncompressed_len when comp is CompressionNone.
func frameBlock(payload []byte, comp schema.Compression) ([]byte, error) {
	uncompressedLen := uint32(len(payload))
	compressed := payload
	if comp == schema.CompressionS2 {
		compressed = s2Encode(payload)
	}
	out := make([]byte, 8+len(compressed)+4)
	binary.LittleEndian.PutUint32(out[0:4], uncompressedLen)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(compressed)))
	copy(out[8:], compressed)
	sum := crc32.Checksum(out[:8+len(compressed)], crcTable)
	binary.LittleEndian.PutUint32(out[8+len(compressed):], sum)
	return out, nil
}

// unframeBlock reverses frameBlock, verifying the checksum and decompressing
// if needed.
func unframeBlock(frame []byte, comp schema.Compression) ([]byte, error) {
	if len(frame) < 12 {
		return nil, fmt.Errorf("cfile: frame too short (%d bytes)", len(frame))
	}
	uncompressedLen := binary.LittleEndian.Uint32(frame[0:4])
	compressedLen := binary.LittleEndian.Uint32(frame[4:8])
	body := frame[8 : 8+compressedLen]
	if uint32(len(frame)) < 8+compressedLen+4 {
		return nil, fmt.Errorf("cfile: frame truncated: want %d have %d", 8+compressedLen+4, len(frame))
	}
	wantSum := binary.LittleEndian.Uint32(frame[8+compressedLen:])
	gotSum := crc32.Checksum(frame[:8+compressedLen], crcTable)
	if gotSum != wantSum {
		return nil, fmt.Errorf("cfile: block checksum mismatch: corrupt block (want %08x got %08x)", wantSum, gotSum)
	}
	if comp == schema.CompressionNone {
		return body, nil
	}
	payload, err := s2Decode(body, int(uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("cfile: decompress block: %w", err)
	}
	return payload, nil
}

// Footer is the fixed-layout trailer metadata for one CFile, analogous to
// the protobuf CFileFooterPB upstream.
type Footer struct {
	ColumnType  schema.Type
	TypeLen     int
	Nullable    bool
	Encoding    encoding.Kind
	Compression schema.Compression

	// RowCount is the total logical row count, including nulls.
	// ValueCount is the count of non-null values actually stored in data
	// blocks; the two differ only for nullable columns.
	RowCount   uint32
	ValueCount uint32
	MinKey     []byte
	MaxKey     []byte

	PositionIndexRoot BlockPointer
	HasValueIndex     bool
	ValueIndexRoot    BlockPointer
	HasDictionary     bool
	DictionaryBlock   BlockPointer
	NullBitmap        BlockPointer
}

// encodeFooter serializes f as a length-prefixed record; see decodeFooter
// for the exact field order.
func encodeFooter(f *Footer) []byte {
	var buf []byte
	putU8 := func(v uint8) { buf = append(buf, v) }
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	putBytes := func(v []byte) {
		putU32(uint32(len(v)))
		buf = append(buf, v...)
	}
	putBlockPointer := func(bp BlockPointer) {
		putU64(bp.Offset)
		putU32(bp.Size)
	}

	putU8(byte(f.ColumnType))
	putU32(uint32(f.TypeLen))
	if f.Nullable {
		putU8(1)
	} else {
		putU8(0)
	}
	putU8(byte(f.Encoding))
	putU8(byte(f.Compression))
	putU32(f.RowCount)
	putU32(f.ValueCount)
	putBytes(f.MinKey)
	putBytes(f.MaxKey)
	putBlockPointer(f.PositionIndexRoot)
	if f.HasValueIndex {
		putU8(1)
	} else {
		putU8(0)
	}
	putBlockPointer(f.ValueIndexRoot)
	if f.HasDictionary {
		putU8(1)
	} else {
		putU8(0)
	}
	putBlockPointer(f.DictionaryBlock)
	putBlockPointer(f.NullBitmap)
	return buf
}

func decodeFooter(buf []byte) (*Footer, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(buf) {
			return fmt.Errorf("cfile: footer truncated at offset %d", pos)
		}
		return nil
	}
	getU8 := func() (uint8, error) {
		if err := need(1); err != nil {
			return 0, err
		}
		v := buf[pos]
		pos++
		return v, nil
	}
	getU32 := func() (uint32, error) {
		if err := need(4); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		return v, nil
	}
	getU64 := func() (uint64, error) {
		if err := need(8); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(buf[pos:])
		pos += 8
		return v, nil
	}
	getBytes := func() ([]byte, error) {
		n, err := getU32()
		if err != nil {
			return nil, err
		}
		if err := need(int(n)); err != nil {
			return nil, err
		}
		v := append([]byte(nil), buf[pos:pos+int(n)]...)
		pos += int(n)
		return v, nil
	}
	getBlockPointer := func() (BlockPointer, error) {
		off, err := getU64()
		if err != nil {
			return BlockPointer{}, err
		}
		size, err := getU32()
		if err != nil {
			return BlockPointer{}, err
		}
		return BlockPointer{Offset: off, Size: size}, nil
	}

	f := &Footer{}
	ct, err := getU8()
	if err != nil {
		return nil, err
	}
	f.ColumnType = schema.Type(ct)
	typeLen, err := getU32()
	if err != nil {
		return nil, err
	}
	f.TypeLen = int(typeLen)
	nullable, err := getU8()
	if err != nil {
		return nil, err
	}
	f.Nullable = nullable != 0
	enc, err := getU8()
	if err != nil {
		return nil, err
	}
	f.Encoding = encoding.Kind(enc)
	comp, err := getU8()
	if err != nil {
		return nil, err
	}
	f.Compression = schema.Compression(comp)
	rc, err := getU32()
	if err != nil {
		return nil, err
	}
	f.RowCount = rc
	vc, err := getU32()
	if err != nil {
		return nil, err
	}
	f.ValueCount = vc
	if f.MinKey, err = getBytes(); err != nil {
		return nil, err
	}
	if f.MaxKey, err = getBytes(); err != nil {
		return nil, err
	}
	if f.PositionIndexRoot, err = getBlockPointer(); err != nil {
		return nil, err
	}
	hasVI, err := getU8()
	if err != nil {
		return nil, err
	}
	f.HasValueIndex = hasVI != 0
	if f.ValueIndexRoot, err = getBlockPointer(); err != nil {
		return nil, err
	}
	hasDict, err := getU8()
	if err != nil {
		return nil, err
	}
	f.HasDictionary = hasDict != 0
	if f.DictionaryBlock, err = getBlockPointer(); err != nil {
		return nil, err
	}
	if f.NullBitmap, err = getBlockPointer(); err != nil {
		return nil, err
	}
	return f, nil
}

// trailerSize is the fixed size of the record at the very end of the file:
// the footer's location plus a second magic check, so a reader can open the
// file by seeking from the end without scanning forward.
const trailerSize = 8 + 4 + 8 + 8 // footerOffset + footerSize + reserved + magic

type trailer struct {
	FooterOffset uint64
	FooterSize   uint32
}

func encodeTrailer(t trailer) []byte {
	out := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(out[0:8], t.FooterOffset)
	binary.LittleEndian.PutUint32(out[8:12], t.FooterSize)
	copy(out[20:], magic[:])
	return out
}

func decodeTrailer(buf []byte) (trailer, error) {
	if len(buf) < trailerSize {
		return trailer{}, fmt.Errorf("cfile: trailer too short")
	}
	if string(buf[20:28]) != string(magic[:]) {
		return trailer{}, fmt.Errorf("cfile: bad trailer magic, file is not a valid CFile")
	}
	return trailer{
		FooterOffset: binary.LittleEndian.Uint64(buf[0:8]),
		FooterSize:   binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}
