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

package discard

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ReadFile parses a previously written table and returns the key -> action
// map. A missing file is an empty table.
func ReadFile(path string) (map[string]string, error) {
	out := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()

	scnr := bufio.NewScanner(f)
	lineCounter := 0

	parseErr := func(text string) error {
		return fmt.Errorf("%s:%d: %s", path, lineCounter, text)
	}

	for scnr.Scan() {
		lineCounter++
		text := strings.TrimSpace(scnr.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		key, action, ok := strings.Cut(text, " ")
		if !ok {
			return nil, parseErr("missing action after key")
		}
		out[key] = strings.TrimSpace(action)
	}
	return out, scnr.Err()
}

// Diff compares the table with the old contents as returned by ReadFile.
func (t *Table) Diff(old map[string]string) (added, removed []string) {
	seen := make(map[string]struct{}, len(t.Entries))
	for _, ent := range t.Entries {
		seen[ent.Key] = struct{}{}
		if _, ok := old[ent.Key]; !ok {
			added = append(added, ent.Key)
		}
	}
	for key := range old {
		if _, ok := seen[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return added, removed
}
