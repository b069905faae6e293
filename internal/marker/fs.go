/*
dmarc-dsn - Bounce feedback loop for DMARC aggregate report senders.
Copyright © 2019-2023 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package marker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/log"
	"github.com/foxcpp/dmarc-dsn/internal/atomicfile"
)

// DomainsDir is the subdirectory of the data directory holding markers.
const DomainsDir = "domains"

// FSStore keeps one file per domain in DATA_DIR/domains. The modification
// time of the file is the marker timestamp, the content is the bounce
// history as JSON lines.
//
// Files are replaced atomically, so a crash can't leave a marker with a
// half-written timestamp.
type FSStore struct {
	dataDir string
	dir     string

	Log log.Logger
	// Now returns the timestamp used by Touch. time.Now if nil.
	Now func() time.Time
}

func NewFS(dataDir string, logger log.Logger) *FSStore {
	return &FSStore{
		dataDir: dataDir,
		dir:     filepath.Join(dataDir, DomainsDir),
		Log:     logger,
	}
}

func (s *FSStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ensureDir checks that the data directory exists and creates the domains
// directory inside it.
func (s *FSStore) ensureDir() error {
	info, err := os.Stat(s.dataDir)
	if err != nil {
		return unavailable(err, s.dataDir)
	}
	if !info.IsDir() {
		return unavailable(errors.New("not a directory"), s.dataDir)
	}
	if err := os.Mkdir(s.dir, 0o755); err != nil && !os.IsExist(err) {
		return unavailable(err, s.dir)
	}
	return nil
}

func (s *FSStore) Touch(ctx context.Context, domain string, rec *Record) error {
	key, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDir(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, key)
	now := s.now()

	var records []Record
	blob, err := os.ReadFile(path)
	switch {
	case err == nil:
		records, err = decodeRecords(blob)
		if err != nil {
			s.Log.Error("discarding unreadable history", err, "domain", key)
			records = nil
		}
	case os.IsNotExist(err):
	default:
		return unavailable(err, path)
	}
	records = appendRecord(records, rec, now)

	content, err := encodeRecords(records)
	if err != nil {
		return err
	}

	err = atomicfile.Write(path, 0o644, now, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	})
	if err != nil {
		return unavailable(err, path)
	}

	s.Log.DebugMsg("marker touched", "domain", key, "stamp", now, "records", len(records))
	return nil
}

func (s *FSStore) Markers(ctx context.Context) iter.Seq2[Marker, error] {
	return func(yield func(Marker, error) bool) {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			if os.IsNotExist(err) {
				// No bounces recorded yet.
				if info, statErr := os.Stat(s.dataDir); statErr == nil && info.IsDir() {
					return
				}
			}
			yield(Marker{}, unavailable(err, s.dir))
			return
		}

		for _, ent := range entries {
			if err := ctx.Err(); err != nil {
				yield(Marker{}, err)
				return
			}

			name := ent.Name()
			if atomicfile.IsTemp(name) {
				continue
			}

			m, err := s.read(name)
			if err != nil {
				if !yield(Marker{Domain: name}, &ReadError{Domain: name, Err: err}) {
					return
				}
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *FSStore) read(name string) (Marker, error) {
	key, err := NormalizeDomain(name)
	if err != nil {
		return Marker{}, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return Marker{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Marker{}, err
	}
	if !info.Mode().IsRegular() {
		return Marker{}, fmt.Errorf("not a regular file: %v", info.Mode())
	}
	if info.ModTime().Unix() <= 0 {
		return Marker{}, fmt.Errorf("invalid modification time: %v", info.ModTime())
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(f, 1024*1024)); err != nil {
		return Marker{}, err
	}
	records, err := decodeRecords(buf.Bytes())
	if err != nil {
		return Marker{}, err
	}

	return Marker{
		Domain:      key,
		LastTouched: info.ModTime(),
		Records:     records,
	}, nil
}

// names returns the marker files of the domain key. Besides the normalized
// name, files created by other tools may use upper case letters, a trailing
// dot or U-labels.
func (s *FSStore) names(key string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		name := ent.Name()
		if atomicfile.IsTemp(name) {
			continue
		}
		if name == key {
			names = append(names, name)
			continue
		}
		if norm, err := NormalizeDomain(name); err == nil && norm == key {
			names = append(names, name)
		}
	}
	return names, nil
}

// Get returns the marker of the domain. If there are several files for it,
// the most recently touched one is returned.
func (s *FSStore) Get(_ context.Context, domain string) (Marker, error) {
	key, err := NormalizeDomain(domain)
	if err != nil {
		return Marker{}, err
	}
	names, err := s.names(key)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, ErrNotFound
		}
		return Marker{}, unavailable(err, s.dir)
	}

	var (
		best    Marker
		found   bool
		readErr error
	)
	for _, name := range names {
		m, err := s.read(name)
		if err != nil {
			if readErr == nil {
				readErr = &ReadError{Domain: name, Err: err}
			}
			continue
		}
		if !found || m.LastTouched.After(best.LastTouched) {
			best, found = m, true
		}
	}
	switch {
	case found:
		return best, nil
	case readErr != nil:
		return Marker{}, readErr
	}
	return Marker{}, ErrNotFound
}

// Remove deletes all files of the domain marker.
func (s *FSStore) Remove(_ context.Context, domain string) error {
	key, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	names, err := s.names(key)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return unavailable(err, s.dir)
	}
	if len(names) == 0 {
		return ErrNotFound
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return unavailable(err, s.dir)
		}
	}
	return nil
}

func (s *FSStore) Close() error {
	return nil
}
