// Package peerid generates the process-wide 20-byte BitTorrent peer id.
package peerid

import (
	"crypto/rand"
	"sync"
)

// clientTag identifies this client per the Azureus-style convention.
const clientTag = "-OR0001-"

var (
	once sync.Once
	id   [20]byte
)

// Get returns the process-wide peer id, generating it with a
// cryptographic RNG on first use and holding it immutable thereafter.
func Get() [20]byte {
	once.Do(func() {
		copy(id[:], clientTag)
		if _, err := rand.Read(id[8:]); err != nil {
			// crypto/rand.Read on a fixed-size buffer only fails if the OS
			// entropy source is unavailable, which we cannot recover from.
			panic("peerid: crypto/rand unavailable: " + err.Error())
		}
	})
	return id
}
