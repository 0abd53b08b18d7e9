// Package id generates the identifiers used for server definitions.
// Definition IDs are ULIDs so listings sort by creation time.
package id

import (
	"crypto/rand"
	"sync"
	"time"
)

// ulidEncoding uses Crockford's Base32 (excludes I, L, O, U to avoid ambiguity).
const ulidEncoding = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	ulidMu      sync.Mutex
	ulidLastMs  int64
	ulidCounter uint16
)

// ULID generates a Universally Unique Lexicographically Sortable Identifier:
// 26 characters, 10 of timestamp followed by 16 of randomness.
func ULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()

	now := time.Now().UnixMilli()

	// Same-millisecond calls get a bumped counter mixed into the random part.
	if now == ulidLastMs {
		ulidCounter++
		if ulidCounter == 0 {
			for now == ulidLastMs {
				time.Sleep(time.Millisecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		ulidLastMs = now
		ulidCounter = 0
	}

	return encodeULID(now, ulidCounter)
}

func encodeULID(ms int64, counter uint16) string {
	ulid := make([]byte, 26)

	for i := 9; i >= 0; i-- {
		ulid[i] = ulidEncoding[ms&0x1F]
		ms >>= 5
	}

	randomBytes := make([]byte, 10)
	_, _ = rand.Read(randomBytes)
	randomBytes[0] ^= byte(counter >> 8)
	randomBytes[1] ^= byte(counter)

	// Pack 80 random bits into 16 base32 characters.
	var acc uint32
	var bits uint
	pos := 10
	for _, b := range randomBytes {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			ulid[pos] = ulidEncoding[(acc>>bits)&0x1F]
			pos++
		}
	}

	return string(ulid)
}
