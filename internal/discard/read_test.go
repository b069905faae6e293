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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/dmarc-dsn/internal/marker"
	"github.com/foxcpp/dmarc-dsn/internal/testutils"
)

func TestReadFile(t *testing.T) {
	dir := testutils.Dir(t)

	old, err := ReadFile(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 0 {
		t.Errorf("missing file should be empty: %v", old)
	}

	path := testutils.WriteFile(t, dir, "table", `# comment

a.example discard:report for a.example bounced unknown last time
  b.example   error:gone
`, time.Time{})
	old, err = ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 2 || old["a.example"] != "discard:report for a.example bounced unknown last time" || old["b.example"] != "error:gone" {
		t.Errorf("wrong table: %v", old)
	}

	path = testutils.WriteFile(t, dir, "broken", "a.example\n", time.Time{})
	if _, err := ReadFile(path); err == nil || !strings.Contains(err.Error(), "broken:1") {
		t.Errorf("expected parse error with line number, got %v", err)
	}
}

func TestTableDiff(t *testing.T) {
	tbl, _ := build(t, &sliceStore{markers: []marker.Marker{
		mk("a.example", time.Hour),
		mk("c.example", time.Hour),
	}}, Options{})

	added, removed := tbl.Diff(map[string]string{
		"b.example": "discard:x",
		"c.example": "discard:x",
	})
	if strings.Join(added, ",") != "a.example" {
		t.Errorf("wrong added: %v", added)
	}
	if strings.Join(removed, ",") != "b.example" {
		t.Errorf("wrong removed: %v", removed)
	}

	// Round trip through the file.
	path := filepath.Join(testutils.Dir(t), "table")
	if err := WriteFile(path, tbl); err != nil {
		t.Fatal(err)
	}
	old, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	added, removed = tbl.Diff(old)
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("table differs from itself: %v %v", added, removed)
	}
}
