package metainfo

import (
	"fmt"
)

// rawInfoSpan performs the structural first pass spec.md §4.1 requires: it
// walks the bencoded dictionary just far enough to find the top-level
// "info" key and returns the exact byte range of its value, unparsed. The
// SHA-1 info-hash is computed over this slice verbatim — re-encoding the
// dictionary (as a naive unmarshal-then-marshal round trip would) risks
// reordering keys or renormalizing integers, which would silently change
// the info-hash the teacher's implementation computed.
func rawInfoSpan(data []byte) (start, end int, err error) {
	if len(data) == 0 || data[0] != 'd' {
		return 0, 0, fmt.Errorf("%w: torrent is not a bencoded dictionary", ErrInvalidTorrent)
	}
	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		keyStart, keyEnd, err := bencodeStringSpan(data, pos)
		if err != nil {
			return 0, 0, err
		}
		key := string(data[keyStart:keyEnd])
		pos = keyEnd

		valueStart := pos
		valueEnd, err := skipBencodeValue(data, pos)
		if err != nil {
			return 0, 0, err
		}
		pos = valueEnd

		if key == "info" {
			return valueStart, valueEnd, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: no top-level \"info\" key", ErrInvalidTorrent)
}

// skipBencodeValue returns the offset just past the bencoded value
// starting at pos, without allocating a parsed representation.
func skipBencodeValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("%w: truncated bencode value", ErrInvalidTorrent)
	}
	switch {
	case data[pos] == 'i':
		end := indexByte(data, pos+1, 'e')
		if end < 0 {
			return 0, fmt.Errorf("%w: unterminated integer", ErrInvalidTorrent)
		}
		return end + 1, nil
	case data[pos] == 'l':
		pos++
		for pos < len(data) && data[pos] != 'e' {
			next, err := skipBencodeValue(data, pos)
			if err != nil {
				return 0, err
			}
			pos = next
		}
		if pos >= len(data) {
			return 0, fmt.Errorf("%w: unterminated list", ErrInvalidTorrent)
		}
		return pos + 1, nil
	case data[pos] == 'd':
		pos++
		for pos < len(data) && data[pos] != 'e' {
			_, keyEnd, err := bencodeStringSpan(data, pos)
			if err != nil {
				return 0, err
			}
			pos = keyEnd
			next, err := skipBencodeValue(data, pos)
			if err != nil {
				return 0, err
			}
			pos = next
		}
		if pos >= len(data) {
			return 0, fmt.Errorf("%w: unterminated dictionary", ErrInvalidTorrent)
		}
		return pos + 1, nil
	case data[pos] >= '0' && data[pos] <= '9':
		_, end, err := bencodeStringSpan(data, pos)
		return end, err
	default:
		return 0, fmt.Errorf("%w: unrecognized bencode tag %q", ErrInvalidTorrent, data[pos])
	}
}

// bencodeStringSpan parses a "<len>:<bytes>" byte string starting at pos
// and returns the span of its content (excluding the length prefix).
func bencodeStringSpan(data []byte, pos int) (start, end int, err error) {
	colon := indexByte(data, pos, ':')
	if colon < 0 {
		return 0, 0, fmt.Errorf("%w: malformed byte string", ErrInvalidTorrent)
	}
	length := 0
	for _, c := range data[pos:colon] {
		if c < '0' || c > '9' {
			return 0, 0, fmt.Errorf("%w: malformed byte string length", ErrInvalidTorrent)
		}
		length = length*10 + int(c-'0')
	}
	start = colon + 1
	end = start + length
	if end > len(data) {
		return 0, 0, fmt.Errorf("%w: byte string length overruns buffer", ErrInvalidTorrent)
	}
	return start, end, nil
}

func indexByte(data []byte, from int, b byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == b {
			return i
		}
	}
	return -1
}
