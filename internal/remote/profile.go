package remote

import (
	"bufio"
	"fmt"
	"strings"
)

// Profile is an ordered set of key/value settings, the in-memory form of a
// properties document. Keys are compared exactly, case included.
type Profile struct {
	keys   []string
	values map[string]string
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{values: make(map[string]string)}
}

// ParseProfile reads "key = value" lines. Blank lines and lines starting
// with '#' or '!' are skipped. A repeated key keeps its first position and
// its last value.
func ParseProfile(text string) (*Profile, error) {
	p := NewProfile()
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || raw[0] == '#' || raw[0] == '!' {
			continue
		}
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value, got %q", line, raw)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", line)
		}
		p.Set(key, strings.TrimSpace(value))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return p, nil
}

// Get returns the value for key.
func (p *Profile) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Set assigns value to key, appending the key if it is new.
func (p *Profile) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Keys returns the keys in insertion order.
func (p *Profile) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Len returns the number of keys.
func (p *Profile) Len() int { return len(p.keys) }

// Render writes the profile back out, one "key = value" line per key.
func (p *Profile) Render() string {
	var b strings.Builder
	for _, k := range p.keys {
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(p.values[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Merge returns a new profile with every overlay key applied on top of
// base. Base keys keep their order, keys only present in the overlay follow
// in overlay order. Neither input is modified.
func Merge(base, overlay *Profile) *Profile {
	out := NewProfile()
	if base != nil {
		for _, k := range base.keys {
			out.Set(k, base.values[k])
		}
	}
	if overlay != nil {
		for _, k := range overlay.keys {
			out.Set(k, overlay.values[k])
		}
	}
	return out
}
