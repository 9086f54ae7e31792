package metadata

// Metadata is the string-keyed property bag carried alongside a bus message.
type Metadata map[string]string

func (m Metadata) grow(extra int) Metadata {
	out := make(Metadata, len(m)+max(extra, 0))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy. A nil receiver yields an empty, non-nil map.
func (m Metadata) Clone() Metadata {
	return m.grow(0)
}

// With returns a copy that also holds key=value.
func (m Metadata) With(key, value string) Metadata {
	out := m.grow(1)
	out[key] = value
	return out
}

// Merge returns a copy of m overlaid with entries. Entries win on conflict.
func (m Metadata) Merge(entries Metadata) Metadata {
	out := m.grow(len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// Get is nil-safe.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Without returns a copy with the given keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// New builds Metadata from alternating key/value pairs. A trailing key without
// a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
