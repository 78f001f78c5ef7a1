package cache

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry binary layout, version 1:
//
//	[version:1][flags:1][priority:1][expires_unix_sec:8BE][checksum:8BE][value...]
//
// checksum is xxhash64 of the plaintext value; for encrypted entries it is
// computed before sealing so decryption failures and bit rot are
// indistinguishable from the caller's point of view.
const (
	entryVersion    = 1
	entryHeaderSize = 1 + 1 + 1 + 8 + 8

	flagEncrypted = 1 << 0
	flagPinned    = 1 << 1
)

type entry struct {
	priority  int
	pinned    bool
	encrypted bool
	expiresAt time.Time // zero means no TTL
	checksum  uint64
	value     []byte // sealed bytes when encrypted
}

func encodeEntry(e *entry) []byte {
	flags := uint8(0)
	if e.encrypted {
		flags |= flagEncrypted
	}
	if e.pinned {
		flags |= flagPinned
	}
	var expires uint64
	if !e.expiresAt.IsZero() {
		expires = uint64(e.expiresAt.Unix())
	}
	buf := make([]byte, 0, entryHeaderSize+len(e.value))
	buf = putUint8(buf, entryVersion)
	buf = putUint8(buf, flags)
	buf = putUint8(buf, uint8(e.priority))
	buf = putUint64BE(buf, expires)
	buf = putUint64BE(buf, e.checksum)
	return append(buf, e.value...)
}

func decodeEntry(raw []byte) (*entry, error) {
	if len(raw) < entryHeaderSize {
		return nil, fmt.Errorf("entry too short: %d bytes", len(raw))
	}
	if raw[0] != entryVersion {
		return nil, fmt.Errorf("unknown entry version %d", raw[0])
	}
	flags := raw[1]
	e := &entry{
		priority:  int(raw[2]),
		encrypted: flags&flagEncrypted != 0,
		pinned:    flags&flagPinned != 0,
		checksum:  getUint64BE(raw[11:19]),
		value:     raw[entryHeaderSize:],
	}
	if expires := getUint64BE(raw[3:11]); expires != 0 {
		e.expiresAt = time.Unix(int64(expires), 0).UTC()
	}
	return e, nil
}

func checksum(value []byte) uint64 {
	return xxhash.Sum64(value)
}
