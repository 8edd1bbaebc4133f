// Package metainfo parses bencoded .torrent files, derives the
// byte-exact info-hash, and normalizes single- vs multi-file layouts into
// a single Info type.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

// ErrInvalidTorrent covers malformed metadata: bad bencode structure,
// both/neither of length and files present, or a pieces length that
// isn't a multiple of 20.
var ErrInvalidTorrent = errors.New("metainfo: invalid torrent")

// InfoHash is the 20-byte SHA-1 digest of the raw info dictionary.
type InfoHash [20]byte

// String renders the info-hash as lowercase hex, the form used for
// on-disk paths.
func (h InfoHash) String() string {
	return fmt.Sprintf("%x", [20]byte(h))
}

// URLEncoded renders the info-hash percent-encoded, the form trackers
// expect in the announce query string.
func (h InfoHash) URLEncoded() string {
	return percentEncode(h[:])
}

func percentEncode(b []byte) string {
	buf := make([]byte, 0, len(b)*3)
	for _, c := range b {
		buf = append(buf, '%')
		buf = appendHexByte(buf, c)
	}
	return string(buf)
}

func appendHexByte(buf []byte, b byte) []byte {
	const hex = "0123456789ABCDEF"
	return append(buf, hex[b>>4], hex[b&0xf])
}

// FileEntry describes one file within a multi-file torrent, path
// segments as they appeared in the metadata (not yet joined or rooted).
type FileEntry struct {
	Length       int64
	PathSegments []string
}

// Info is the normalized, typed form of a torrent's info dictionary.
// Exactly one of SingleLength (>=0, for single-file mode) or Files
// (non-nil, for multi-file mode) is populated.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes
	Files       []FileEntry
	SingleLength int64
	IsMultiFile bool
}

// NumPieces returns the piece count implied by Pieces.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / 20
}

// PieceHash returns the expected SHA-1 for piece index.
func (info *Info) PieceHash(index int) [20]byte {
	var h [20]byte
	copy(h[:], info.Pieces[index*20:index*20+20])
	return h
}

// TotalLength returns the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	if !info.IsMultiFile {
		return info.SingleLength
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// PieceLen returns the length of piece index: PieceLength for every piece
// except possibly the last, which may be short.
func (info *Info) PieceLen(index int) int64 {
	start := int64(index) * info.PieceLength
	end := start + info.PieceLength
	total := info.TotalLength()
	if end > total {
		end = total
	}
	return end - start
}

// Metadata is a fully parsed .torrent file.
type Metadata struct {
	Announce    string
	Info        Info
	InfoHash    InfoHash
	RawInfoBytes []byte
}

// bencodeInfo mirrors the info dictionary for the typed decode pass.
// Files is present only for multi-file torrents; Length only for
// single-file ones.
// Length is a pointer so the decoder can distinguish an absent "length"
// key (multi-file torrent) from an explicit "length: 0" (a degenerate
// but legitimate empty single-file torrent) — presence, not positivity,
// is what decides single- vs multi-file mode.
type bencodeInfo struct {
	Name        string            `bencode:"name"`
	PieceLength int64             `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      *int64            `bencode:"length"`
	Files       []bencodeFileInfo `bencode:"files"`
}

type bencodeFileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeMetadata struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Parse decodes a .torrent file. It makes the two passes spec.md §4.1
// requires: a structural pass that captures the raw info dictionary's
// byte span for info-hash derivation, and a typed decode pass for the
// rest of the fields.
func Parse(r io.Reader) (*Metadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading torrent: %w", err)
	}

	infoStart, infoEnd, err := rawInfoSpan(data)
	if err != nil {
		return nil, err
	}
	rawInfo := data[infoStart:infoEnd]

	var bm bencodeMetadata
	if err := bencode.Unmarshal(bytes.NewReader(data), &bm); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTorrent, err)
	}

	info, err := normalize(bm.Info)
	if err != nil {
		return nil, err
	}

	hash := sha1.Sum(rawInfo)

	return &Metadata{
		Announce:     bm.Announce,
		Info:         info,
		InfoHash:     InfoHash(hash),
		RawInfoBytes: append([]byte(nil), rawInfo...),
	}, nil
}

func normalize(raw bencodeInfo) (Info, error) {
	hasLength := raw.Length != nil
	hasFiles := len(raw.Files) > 0
	if hasLength == hasFiles {
		return Info{}, fmt.Errorf("%w: exactly one of length/files must be present", ErrInvalidTorrent)
	}

	info := Info{
		Name:        raw.Name,
		PieceLength: raw.PieceLength,
		Pieces:      []byte(raw.Pieces),
	}

	if hasLength {
		info.SingleLength = *raw.Length
	} else {
		info.IsMultiFile = true
		info.Files = make([]FileEntry, len(raw.Files))
		for i, f := range raw.Files {
			info.Files[i] = FileEntry{Length: f.Length, PathSegments: f.Path}
		}
	}

	if len(info.Pieces)%20 != 0 {
		return Info{}, fmt.Errorf("%w: pieces length %d not a multiple of 20", ErrInvalidTorrent, len(info.Pieces))
	}
	if info.PieceLength <= 0 {
		return Info{}, fmt.Errorf("%w: non-positive piece length", ErrInvalidTorrent)
	}

	total := info.TotalLength()
	expectedPieces := (total + info.PieceLength - 1) / info.PieceLength
	if expectedPieces != int64(info.NumPieces()) {
		return Info{}, fmt.Errorf("%w: expected %d pieces, got %d", ErrInvalidTorrent, expectedPieces, info.NumPieces())
	}

	return info, nil
}
