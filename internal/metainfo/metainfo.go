// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metainfo parses and re-emits BitTorrent metainfo bencoding on
// top of anacrolix/torrent's metainfo primitives, and adds the
// source-flag rewrite (with_source) cross-seeding needs to mint a
// tracker-legal infohash from a local torrent.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"
	"strconv"

	anametainfo "github.com/anacrolix/torrent/metainfo"

	"github.com/nemorosa/nemorosa/internal/domain"
)

// Metainfo is a parsed .torrent file: the raw MetaInfo plus its decoded
// Info dict, kept alongside each other so with_source can mutate a
// decoded copy of the info dict and re-derive the infohash without
// round-tripping through the library's own bencode encoder (which does
// not guarantee the sorted-key, minimal-integer re-encoding BEP-3
// requires for infohash stability across implementations).
type Metainfo struct {
	raw  *anametainfo.MetaInfo
	info anametainfo.Info
}

// Parse decodes raw bencoded torrent bytes.
func Parse(b []byte) (*Metainfo, error) {
	mi, err := anametainfo.Load(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("metainfo: parse: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("metainfo: unmarshal info: %w", err)
	}
	return &Metainfo{raw: mi, info: info}, nil
}

// InfoHash returns the SHA-1 infohash of the info dict as it was parsed.
func (m *Metainfo) InfoHash() string {
	return m.raw.HashInfoBytes().HexString()
}

// Name is the torrent's declared top-level name.
func (m *Metainfo) Name() string { return m.info.Name }

// PieceLength is the configured piece size in bytes.
func (m *Metainfo) PieceLength() int64 { return m.info.PieceLength }

// Pieces returns the sequence of 20-byte SHA-1 piece hashes in piece
// order, sliced from the info dict's flat concatenated Pieces field.
func (m *Metainfo) Pieces() [][20]byte {
	n := len(m.info.Pieces) / 20
	out := make([][20]byte, 0, n)
	for i := 0; i < n; i++ {
		var h [20]byte
		copy(h[:], m.info.Pieces[i*20:(i+1)*20])
		out = append(out, h)
	}
	return out
}

// Files returns the file list in declared order with cumulative byte
// offsets into the concatenated piece stream. For a single-file torrent
// this is a synthetic one-entry list.
func (m *Metainfo) Files() []domain.FileEntry {
	if len(m.info.Files) == 0 {
		return []domain.FileEntry{{Path: m.info.Name, Length: m.info.Length, Offset: 0}}
	}

	out := make([]domain.FileEntry, 0, len(m.info.Files))
	var offset int64
	for _, f := range m.info.Files {
		path := f.DisplayPath(&m.info)
		out = append(out, domain.FileEntry{Path: path, Length: f.Length, Offset: offset})
		offset += f.Length
	}
	return out
}

// PieceRange describes where one piece's bytes fall inside a file: the
// byte offset within the file where the piece's contribution starts,
// and how many bytes of the piece belong to this file.
type PieceRange struct {
	PieceIndex  int
	FileOffset  int64
	ByteLength  int64
	PieceOffset int64 // offset within the piece itself
}

// PiecesForFile returns every piece that overlaps file index i, in
// piece order, each annotated with the byte range it contributes within
// that file. A piece that spans a file boundary appears once per
// contributing file.
func (m *Metainfo) PiecesForFile(i int) []PieceRange {
	files := m.Files()
	if i < 0 || i >= len(files) {
		return nil
	}
	f := files[i]
	return PiecesForRange(m.info.PieceLength, f.Offset, f.Length)
}

// PiecesForRange returns every piece that overlaps the half-open byte
// range [offset, offset+length) of a torrent using the given piece
// length, each annotated with the byte range it contributes within that
// span. It underlies both PiecesForFile and the File Matcher's
// cross-torrent piece-coverage check, which has no *Metainfo of its own
// to call PiecesForFile on — only the cumulative offsets recorded on
// domain.FileEntry.
func PiecesForRange(pieceLength, offset, length int64) []PieceRange {
	if pieceLength <= 0 || length <= 0 {
		return nil
	}

	start := offset
	end := offset + length

	firstPiece := int(start / pieceLength)
	lastPiece := int((end - 1) / pieceLength)

	var ranges []PieceRange
	for p := firstPiece; p <= lastPiece; p++ {
		pieceStart := int64(p) * pieceLength
		pieceEnd := pieceStart + pieceLength

		rangeStart := max64(pieceStart, start)
		rangeEnd := min64(pieceEnd, end)

		ranges = append(ranges, PieceRange{
			PieceIndex:  p,
			FileOffset:  rangeStart - start,
			ByteLength:  rangeEnd - rangeStart,
			PieceOffset: rangeStart - pieceStart,
		})
	}
	return ranges
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// WithSource returns a new Metainfo whose info dict carries the given
// source flag (set or replaced) and whose infohash is recomputed from
// the canonically re-encoded dict, per BEP-3: sorted keys, minimal
// integer encoding. This is what makes a locally-held torrent's bytes
// acceptable under a different tracker's source-flag convention without
// re-downloading anything.
func (m *Metainfo) WithSource(flag string) (*Metainfo, error) {
	decoded, err := decodeBencode(m.raw.InfoBytes)
	if err != nil {
		return nil, fmt.Errorf("metainfo: with_source: decode: %w", err)
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: with_source: info is not a dict")
	}

	if flag == "" {
		delete(dict, "source")
	} else {
		dict["source"] = flag
	}

	encoded, err := encodeBencode(dict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: with_source: encode: %w", err)
	}

	clone := *m
	clone.raw = &anametainfo.MetaInfo{
		Announce:     m.raw.Announce,
		AnnounceList: m.raw.AnnounceList,
		Comment:      m.raw.Comment,
		CreatedBy:    m.raw.CreatedBy,
		CreationDate: m.raw.CreationDate,
		InfoBytes:    encoded,
	}
	return &clone, nil
}

// InfoHashOf computes the infohash that a given source flag would
// produce without constructing a full Metainfo clone, used by the
// candidate search hash ladder to probe several flags cheaply.
func InfoHashOf(infoBytes []byte, flag string) (string, error) {
	decoded, err := decodeBencode(infoBytes)
	if err != nil {
		return "", err
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return "", fmt.Errorf("metainfo: info is not a dict")
	}
	if flag == "" {
		delete(dict, "source")
	} else {
		dict["source"] = flag
	}
	encoded, err := encodeBencode(dict)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(encoded)
	return fmt.Sprintf("%x", sum[:]), nil
}

// --- minimal bencode codec for canonical re-encoding ---
//
// anacrolix/torrent's own encoder is not used here because with_source
// needs the freedom to mutate a decoded dict value in place and
// guarantee sorted-key, minimal-integer re-emission independent of
// struct field tags.

func decodeBencode(data []byte) (any, error) {
	v, _, err := decodeBencodeValue(data, 0)
	return v, err
}

func decodeBencodeValue(data []byte, pos int) (any, int, error) {
	if pos >= len(data) {
		return nil, pos, fmt.Errorf("bencode: unexpected end of data")
	}
	switch {
	case data[pos] == 'i':
		return decodeBencodeInt(data, pos)
	case data[pos] == 'l':
		return decodeBencodeList(data, pos)
	case data[pos] == 'd':
		return decodeBencodeDict(data, pos)
	case data[pos] >= '0' && data[pos] <= '9':
		return decodeBencodeString(data, pos)
	default:
		return nil, pos, fmt.Errorf("bencode: invalid type marker %q at %d", data[pos], pos)
	}
}

func decodeBencodeInt(data []byte, pos int) (int64, int, error) {
	end := bytes.IndexByte(data[pos:], 'e')
	if end < 0 {
		return 0, pos, fmt.Errorf("bencode: unterminated integer")
	}
	end += pos
	n, err := strconv.ParseInt(string(data[pos+1:end]), 10, 64)
	if err != nil {
		return 0, pos, fmt.Errorf("bencode: invalid integer: %w", err)
	}
	return n, end + 1, nil
}

func decodeBencodeString(data []byte, pos int) (string, int, error) {
	colon := bytes.IndexByte(data[pos:], ':')
	if colon < 0 {
		return "", pos, fmt.Errorf("bencode: malformed string length")
	}
	colon += pos
	n, err := strconv.Atoi(string(data[pos:colon]))
	if err != nil {
		return "", pos, fmt.Errorf("bencode: invalid string length: %w", err)
	}
	start := colon + 1
	end := start + n
	if end > len(data) {
		return "", pos, fmt.Errorf("bencode: string length exceeds data")
	}
	return string(data[start:end]), end, nil
}

func decodeBencodeList(data []byte, pos int) ([]any, int, error) {
	pos++ // 'l'
	var list []any
	for pos < len(data) && data[pos] != 'e' {
		v, next, err := decodeBencodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		list = append(list, v)
		pos = next
	}
	if pos >= len(data) {
		return nil, pos, fmt.Errorf("bencode: unterminated list")
	}
	return list, pos + 1, nil
}

func decodeBencodeDict(data []byte, pos int) (map[string]any, int, error) {
	pos++ // 'd'
	dict := make(map[string]any)
	for pos < len(data) && data[pos] != 'e' {
		key, next, err := decodeBencodeString(data, pos)
		if err != nil {
			return nil, pos, err
		}
		pos = next
		val, next, err := decodeBencodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		dict[key] = val
		pos = next
	}
	if pos >= len(data) {
		return nil, pos, fmt.Errorf("bencode: unterminated dict")
	}
	return dict, pos + 1, nil
}

func encodeBencode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeBencodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBencodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case string:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.WriteString(val)
	case []byte:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.Write(val)
	case int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(val, 10))
		buf.WriteByte('e')
	case int:
		buf.WriteByte('i')
		buf.WriteString(strconv.Itoa(val))
		buf.WriteByte('e')
	case []any:
		buf.WriteByte('l')
		for _, item := range val {
			if err := encodeBencodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeBencodeValue(buf, k); err != nil {
				return err
			}
			if err := encodeBencodeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}
