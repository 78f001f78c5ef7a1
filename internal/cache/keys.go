package cache

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	prefixEntry      = "e|" // e|{key} => encoded entry
	prefixQuarantine = "q|" // q|{key} => raw corrupted bytes, diagnostic only
)

// entryKey returns the segment key for a cache entry: e|{key}
func entryKey(key string) []byte {
	return append([]byte(prefixEntry), key...)
}

// quarantineKey returns the segment key for a quarantined entry: q|{key}
func quarantineKey(key string) []byte {
	return append([]byte(prefixQuarantine), key...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounded scans.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
