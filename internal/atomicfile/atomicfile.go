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

// Package atomicfile replaces files so that readers observe either the old or
// the new content, never a partial write.
package atomicfile

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Write creates a temporary file next to path, fills it using fill, syncs
// it and renames it over path.
//
// If mtime is not zero, the modification time of the new file is set to it
// before the rename, so the timestamp and the content are replaced together.
//
// The temporary file is named ".<base>.*.new" and is removed on any
// failure.
func Write(path string, perm os.FileMode, mtime time.Time, fill func(w io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	f, err := os.CreateTemp(dir, "."+base+".*.new")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			f.Close()
		}
		os.Remove(tmpPath)
	}()

	if err := f.Chmod(perm); err != nil && runtime.GOOS != "windows" {
		return err
	}
	if err := fill(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	closed = true
	if err := f.Close(); err != nil {
		return err
	}

	if !mtime.IsZero() {
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return err
		}
	}

	return os.Rename(tmpPath, path)
}

// IsTemp reports whether name looks like a temporary file created by Write.
func IsTemp(name string) bool {
	return len(name) > 0 && name[0] == '.' && filepath.Ext(name) == ".new"
}
