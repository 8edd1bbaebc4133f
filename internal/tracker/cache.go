package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oreokoo/qbit/internal/logging"
	"github.com/oreokoo/qbit/internal/metainfo"
	"github.com/oreokoo/qbit/internal/paths"
)

var log = logging.For("tracker")

// FetchOrCached returns a fresh tracker Response, consulting the on-disk
// cache first: if a cached response exists and is younger than its own
// advertised interval, it is reused and no announce request is made.
// Otherwise the tracker is re-announced and the cache is overwritten.
func FetchOrCached(ctx context.Context, md *metainfo.Metadata, peerID [20]byte, port uint16) (Response, error) {
	cachePath := paths.CacheDir(md.InfoHash.String())

	if raw, ok := readFresh(cachePath); ok {
		if resp, err := Decode(raw); err == nil {
			log.WithField("info_hash", md.InfoHash.String()).Debug("using cached tracker response")
			return resp, nil
		}
		log.Warn("cached tracker response is corrupt, re-announcing")
	}

	announceURL, err := BuildURL(md, peerID, port)
	if err != nil {
		return Response{}, err
	}

	raw, err := Fetch(ctx, announceURL)
	if err != nil {
		return Response{}, err
	}

	resp, err := Decode(raw)
	if err != nil {
		return Response{}, err
	}

	if err := writeCache(cachePath, raw); err != nil {
		log.WithError(err).Warn("failed to persist tracker response cache")
	}
	return resp, nil
}

// readFresh returns the cached bytes at path and true if the file exists
// and its modification time is no older than the interval its own
// contents declare (spec.md §6's mtime-freshness design).
func readFresh(path string) ([]byte, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	resp, err := Decode(raw)
	if err != nil {
		return nil, false
	}

	age := time.Since(fi.ModTime())
	if age > time.Duration(resp.Interval)*time.Second {
		return nil, false
	}
	return raw, true
}

func writeCache(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tracker: creating cache directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("tracker: writing cache file: %w", err)
	}
	return nil
}
