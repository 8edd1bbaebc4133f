// Package tracker implements the HTTP announce request to a torrent's
// tracker and the on-disk cache of its response, so repeated runs against
// the same torrent don't re-announce more often than the tracker's
// advertised interval allows.
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jackpal/bencode-go"

	"github.com/oreokoo/qbit/internal/metainfo"
)

// maxAnnounceResponse bounds how much of a tracker's reply we'll buffer;
// trackers never reasonably need more than this for a compact peer list.
const maxAnnounceResponse = 1 << 20

// ListenPort is the TCP port advertised to the tracker in the announce
// request.
const ListenPort = 6881

// Response is the tracker's decoded announce reply: a re-announce
// interval and a compact peer list.
type Response struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// BuildURL constructs the announce URL for metadata, advertising
// ourPeerID and ourPort, with uploaded/downloaded at zero and left set to
// the torrent's full length (this client never seeds).
func BuildURL(md *metainfo.Metadata, ourPeerID [20]byte, ourPort uint16) (string, error) {
	base, err := url.Parse(md.Announce)
	if err != nil {
		return "", fmt.Errorf("tracker: parsing announce url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("tracker: unsupported announce scheme %q", base.Scheme)
	}

	q := url.Values{
		"info_hash":  []string{string(md.InfoHash[:])},
		"peer_id":    []string{string(ourPeerID[:])},
		"port":       []string{fmt.Sprintf("%d", ourPort)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{fmt.Sprintf("%d", md.Info.TotalLength())},
		"compact":    []string{"1"},
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Fetch performs the HTTP GET announce request and returns the raw
// response bytes, undecoded, so callers can cache exactly what the
// tracker sent.
func Fetch(ctx context.Context, announceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxAnnounceResponse+1))
	if err != nil {
		return nil, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	if len(buf) > maxAnnounceResponse {
		return nil, fmt.Errorf("tracker: response exceeds %d bytes", maxAnnounceResponse)
	}
	return buf, nil
}

// Decode parses raw tracker response bytes into a Response.
func Decode(raw []byte) (Response, error) {
	var r Response
	if err := bencode.Unmarshal(bytes.NewReader(raw), &r); err != nil {
		return Response{}, fmt.Errorf("tracker: decoding response: %w", err)
	}
	return r, nil
}
