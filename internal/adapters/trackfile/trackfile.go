// Package trackfile persists small key-value records next to cached
// artifacts. Readers and writers across processes serialize on an
// advisory lock of the record file itself, and updates rewrite the file
// in place while the lock is held.
package trackfile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// Store reads and updates tracking files. The zero value is not usable;
// construct with NewStore.
type Store struct {
	logger zerolog.Logger
}

// NewStore creates a Store logging through the given logger.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{logger: logger}
}

// Read returns the records in the file at path, or an empty map when the
// file is absent or unreadable. A shared lock is held while reading.
func (s *Store) Read(path string) map[string]string {
	if _, err := os.Stat(path); err != nil {
		return map[string]string{}
	}

	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		s.logger.Debug().Err(err).Str("path", path).Msg("could not lock tracking file for reading")
		return map[string]string{}
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", path).Msg("could not read tracking file")
		return map[string]string{}
	}
	return parse(data)
}

// Update applies updates to the file at path under an exclusive lock and
// returns the resulting records. A nil value removes its key, a non-nil
// value sets it. Parent directories are created as needed; failures are
// logged and yield whatever state could be computed, so callers become at
// most more conservative, never less.
func (s *Store) Update(path string, updates map[string]*string) map[string]string {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("could not create tracking file directory")
		return applyUpdates(map[string]string{}, updates)
	}

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("could not lock tracking file for update")
		return applyUpdates(map[string]string{}, updates)
	}
	defer lock.Unlock()

	records := map[string]string{}
	if data, err := os.ReadFile(path); err == nil {
		records = parse(data)
	} else if !os.IsNotExist(err) {
		s.logger.Debug().Err(err).Str("path", path).Msg("could not read tracking file before update")
	}

	records = applyUpdates(records, updates)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("could not open tracking file for rewrite")
		return records
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("could not truncate tracking file")
		return records
	}
	if _, err := f.Write(format(records)); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("could not write tracking file")
	}
	return records
}

func applyUpdates(records map[string]string, updates map[string]*string) map[string]string {
	for key, value := range updates {
		if value == nil {
			delete(records, key)
		} else {
			records[key] = *value
		}
	}
	return records
}

// format renders records as "#<timestamp>" followed by sorted key=value
// lines with a trailing newline.
func format(records map[string]string) []byte {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('#')
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteByte('\n')
	for _, k := range keys {
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(records[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func parse(data []byte) map[string]string {
	records := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || line[0] == '#' {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		records[unescape(line[:eq])] = unescape(line[eq+1:])
	}
	return records
}

const hexDigits = "0123456789ABCDEF"

// escape percent-encodes the characters that would break the line format.
func escape(v string) string {
	if !strings.ContainsAny(v, "%=\n\r") {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case '%', '=', '\n', '\r':
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// unescape decodes %XX sequences; unknown or truncated escapes pass
// through untouched.
func unescape(v string) string {
	if !strings.ContainsRune(v, '%') {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '%' && i+2 < len(v) {
			hi := hexValue(v[i+1])
			lo := hexValue(v[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
