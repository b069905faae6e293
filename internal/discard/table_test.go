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
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/dmarc-dsn/internal/marker"
	"github.com/foxcpp/dmarc-dsn/internal/testutils"
)

var testNow = time.Date(2023, 12, 1, 12, 0, 0, 0, time.UTC)

// sliceStore replays a fixed set of markers and errors.
type sliceStore struct {
	markers []marker.Marker
	errs    map[int]error
}

func (s *sliceStore) Touch(context.Context, string, *marker.Record) error {
	return errors.New("read-only")
}

func (s *sliceStore) Markers(context.Context) iter.Seq2[marker.Marker, error] {
	return func(yield func(marker.Marker, error) bool) {
		for i, m := range s.markers {
			if err := s.errs[i]; err != nil {
				if !yield(marker.Marker{}, err) {
					return
				}
				if !errors.As(err, new(*marker.ReadError)) {
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

func (s *sliceStore) Get(context.Context, string) (marker.Marker, error) {
	return marker.Marker{}, marker.ErrNotFound
}

func (s *sliceStore) Remove(context.Context, string) error {
	return marker.ErrNotFound
}

func (s *sliceStore) Close() error {
	return nil
}

func mk(domain string, age time.Duration, recs ...marker.Record) marker.Marker {
	return marker.Marker{
		Domain:      domain,
		LastTouched: testNow.Add(-age),
		Records:     recs,
	}
}

func build(t *testing.T, store marker.Store, opts Options) (*Table, Stats) {
	t.Helper()
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	opts.Log = testutils.Logger(t, "discard")
	tbl, stats, err := Build(context.Background(), store, testNow, opts)
	if err != nil {
		t.Fatal(err)
	}
	return tbl, stats
}

func keys(tbl *Table) []string {
	res := make([]string, 0, len(tbl.Entries))
	for _, ent := range tbl.Entries {
		res = append(res, ent.Key)
	}
	return res
}

func TestIsFresh(t *testing.T) {
	test := func(age time.Duration, fresh bool) {
		t.Helper()
		if actual := IsFresh(testNow.Add(-age), testNow, DefaultWindow); actual != fresh {
			t.Errorf("age %v: expected fresh=%v, got %v", age, fresh, actual)
		}
	}

	test(0, true)
	test(10*24*time.Hour, true)
	test(DefaultWindow-time.Second, true)
	test(DefaultWindow, false)
	test(DefaultWindow+time.Nanosecond, false)
	test(31*24*time.Hour, false)
	// Clock skew, marker from the future.
	test(-time.Hour, true)
}

func TestBuild_Boundary(t *testing.T) {
	store := &sliceStore{markers: []marker.Marker{
		mk("boundary.example", DefaultWindow),
		mk("almost.example", DefaultWindow-time.Second),
	}}

	tbl, stats := build(t, store, Options{})
	if got := keys(tbl); len(got) != 1 || got[0] != "almost.example" {
		t.Errorf("wrong keys: %v", got)
	}
	if stats.Fresh != 1 || stats.Stale != 1 {
		t.Errorf("wrong stats: %+v", stats)
	}
}

func TestBuild_ZeroWindow(t *testing.T) {
	store := &sliceStore{markers: []marker.Marker{mk("example.org", 0)}}
	tbl, _, err := Build(context.Background(), store, testNow, Options{Log: testutils.Logger(t, "discard")})
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Entries) != 0 {
		t.Errorf("zero window should discard nothing: %v", keys(tbl))
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a := &sliceStore{markers: []marker.Marker{
		mk("c.example", time.Hour),
		mk("a.example", 2*time.Hour, marker.Record{Date: "20231201"}),
		mk("b.example", 3*time.Hour),
	}}
	b := &sliceStore{markers: []marker.Marker{a.markers[2], a.markers[0], a.markers[1]}}

	render := func(store marker.Store) []byte {
		tbl, _ := build(t, store, Options{})
		var buf bytes.Buffer
		if _, err := tbl.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	first, second, third := render(a), render(b), render(a)
	if !bytes.Equal(first, second) || !bytes.Equal(first, third) {
		t.Errorf("output is not deterministic:\n%s\n---\n%s", first, second)
	}

	want := `# Generated by dmarc-dsn build-table, do not edit.
# Domains with DMARC report bounces in the last 30 days.
a.example discard:report for a.example bounced 20231201 last time
b.example discard:report for b.example bounced unknown last time
c.example discard:report for c.example bounced unknown last time
`
	if string(first) != want {
		t.Errorf("wrong output:\nwant:\n%s\ngot:\n%s", want, first)
	}
}

func TestBuild_PartialFailure(t *testing.T) {
	store := &sliceStore{
		markers: []marker.Marker{
			mk("a.example", time.Hour),
			{},
			mk("c.example", time.Hour),
		},
		errs: map[int]error{
			1: &marker.ReadError{Domain: "b.example", Err: errors.New("corrupted")},
		},
	}

	tbl, stats := build(t, store, Options{})
	if got := strings.Join(keys(tbl), ","); got != "a.example,c.example" {
		t.Errorf("wrong keys: %v", got)
	}
	if stats.Unreadable != 1 || stats.Fresh != 2 {
		t.Errorf("wrong stats: %+v", stats)
	}
}

func TestBuild_StoreUnavailable(t *testing.T) {
	store := &sliceStore{
		markers: []marker.Marker{mk("a.example", time.Hour), {}},
		errs: map[int]error{
			1: fmt.Errorf("%w: permission denied", marker.ErrStoreUnavailable),
		},
	}

	tbl, _, err := Build(context.Background(), store, testNow, Options{
		Window: DefaultWindow,
		Log:    testutils.Logger(t, "discard"),
	})
	if !errors.Is(err, marker.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if tbl != nil {
		t.Errorf("table returned for unavailable store")
	}
}

func TestBuild_KeyFormats(t *testing.T) {
	store := &sliceStore{markers: []marker.Marker{
		mk("example.org", time.Hour,
			marker.Record{Date: "20231120", OrigRcpt: "old@example.org"},
			marker.Record{Date: "20231130", OrigRcpt: "RUA@Example.ORG"},
		),
		mk("example.com", time.Hour),
		mk("example.net", time.Hour, marker.Record{Date: "20231130", OrigRcpt: "postmaster"}),
		mk("example.info", time.Hour, marker.Record{Date: "20231130", OrigRcpt: "rua@other.example"}),
	}}

	tbl, _ := build(t, store, Options{KeyFormat: KeyRcpt})
	if got := strings.Join(keys(tbl), ","); got != "example.com,example.info,example.net,rua@example.org" {
		t.Errorf("rcpt keys: %v", got)
	}
	if tbl.Action(tbl.Entries[2]) != "discard:report for example.org bounced 20231130 last time" {
		t.Errorf("wrong action: %v", tbl.Action(tbl.Entries[2]))
	}

	tbl, _ = build(t, store, Options{KeyFormat: KeyVERP, Sender: "DMARC-Noreply@Example.net", Transport: "error"})
	want := "dmarc-noreply+example.com@example.net,dmarc-noreply+example.info@example.net,dmarc-noreply+example.net@example.net,dmarc-noreply+example.org@example.net"
	if got := strings.Join(keys(tbl), ","); got != want {
		t.Errorf("verp keys: %v", got)
	}
	if !strings.HasPrefix(tbl.Action(tbl.Entries[0]), "error:report for example.com") {
		t.Errorf("transport not used: %v", tbl.Action(tbl.Entries[0]))
	}
}

func TestBuild_Duplicates(t *testing.T) {
	// Marker files named "Example.ORG" and "example.org" both belong to
	// example.org.
	store := &sliceStore{markers: []marker.Marker{
		mk("example.org", 2*time.Hour, marker.Record{Date: "20231101", OrigRcpt: "rua@example.org"}),
		mk("example.org", time.Hour, marker.Record{Date: "20231102", OrigRcpt: "rua@example.org"}),
	}}

	for _, format := range []KeyFormat{KeyDomain, KeyRcpt} {
		tbl, stats := build(t, store, Options{KeyFormat: format})
		if len(tbl.Entries) != 1 {
			t.Fatalf("%v: expected 1 entry, got %v", format, keys(tbl))
		}
		if tbl.Entries[0].Date != "20231102" {
			t.Errorf("%v: freshest marker should win, got %v", format, tbl.Entries[0].Date)
		}
		if stats.Duplicates != 1 {
			t.Errorf("%v: wrong stats: %+v", format, stats)
		}
	}
}

func TestBuild_Options(t *testing.T) {
	test := func(opts Options, expected error) {
		t.Helper()
		opts.Log = testutils.Logger(t, "discard")
		_, _, err := Build(context.Background(), &sliceStore{}, testNow, opts)
		if !errors.Is(err, expected) {
			t.Errorf("%+v: expected %v, got %v", opts, expected, err)
		}
	}

	test(Options{Window: MaxWindow}, nil)
	test(Options{Window: MaxWindow + time.Second}, ErrWindow)
	test(Options{Window: -time.Second}, ErrWindow)
	test(Options{Window: DefaultWindow, KeyFormat: "bogus"}, ErrKeyFormat)
	test(Options{Window: DefaultWindow, KeyFormat: KeyVERP}, ErrNoSender)
}

func TestParseKeyFormat(t *testing.T) {
	for in, want := range map[string]KeyFormat{"": KeyDomain, "domain": KeyDomain, "RCPT": KeyRcpt, "verp": KeyVERP} {
		got, err := ParseKeyFormat(in)
		if err != nil || got != want {
			t.Errorf("%q: expected %v, got %v (%v)", in, want, got, err)
		}
	}
	if _, err := ParseKeyFormat("sql"); !errors.Is(err, ErrKeyFormat) {
		t.Errorf("expected ErrKeyFormat, got %v", err)
	}
}

// TestEndToEnd records a bounce into the filesystem store and builds the
// table at different points in time.
func TestEndToEnd(t *testing.T) {
	dir := testutils.Dir(t)
	store := marker.NewFS(dir, testutils.Logger(t, "marker"))
	touched := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	store.Now = func() time.Time { return touched }

	if err := store.Touch(context.Background(), "example.org", &marker.Record{OrigRcpt: "rua@example.org"}); err != nil {
		t.Fatal(err)
	}

	at := func(now time.Time) []string {
		tbl, _, err := Build(context.Background(), store, now, Options{
			Window: DefaultWindow,
			Log:    testutils.Logger(t, "discard"),
		})
		if err != nil {
			t.Fatal(err)
		}
		return keys(tbl)
	}

	if got := at(touched.Add(10 * 24 * time.Hour)); len(got) != 1 || got[0] != "example.org" {
		t.Errorf("T+10d: expected example.org to be discarded, got %v", got)
	}
	if got := at(touched.Add(31 * 24 * time.Hour)); len(got) != 0 {
		t.Errorf("T+31d: expected empty table, got %v", got)
	}

	// A new bounce renews the marker.
	store.Now = func() time.Time { return touched.Add(25 * 24 * time.Hour) }
	if err := store.Touch(context.Background(), "example.org", nil); err != nil {
		t.Fatal(err)
	}
	if got := at(touched.Add(31 * 24 * time.Hour)); len(got) != 1 {
		t.Errorf("T+31d after renewal: expected example.org, got %v", got)
	}
}

func TestEndToEnd_MissingDataDir(t *testing.T) {
	store := marker.NewFS(filepath.Join(testutils.Dir(t), "missing"), testutils.Logger(t, "marker"))
	_, _, err := Build(context.Background(), store, testNow, Options{
		Window: DefaultWindow,
		Log:    testutils.Logger(t, "discard"),
	})
	if !errors.Is(err, marker.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestWriteFile(t *testing.T) {
	dir := testutils.Dir(t)
	path := filepath.Join(dir, "dmarc_discard")
	if err := os.WriteFile(path, []byte("old content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, _ := build(t, &sliceStore{markers: []marker.Marker{mk("example.org", time.Hour)}}, Options{})
	if err := WriteFile(path, tbl); err != nil {
		t.Fatal(err)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(blob), "old content") {
		t.Error("file was not replaced")
	}
	if !strings.Contains(string(blob), "example.org discard:report for example.org bounced unknown last time\n") {
		t.Errorf("wrong content: %s", blob)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestWriteMetrics(t *testing.T) {
	path := filepath.Join(testutils.Dir(t), "dmarc_dsn.prom")
	tbl, stats := build(t, &sliceStore{markers: []marker.Marker{
		mk("a.example", time.Hour),
		mk("b.example", 40*24*time.Hour),
	}}, Options{})

	if err := WriteMetrics(path, tbl, stats, testNow); err != nil {
		t.Fatal(err)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{
		`dmarc_dsn_markers_count{state="fresh"} 1`,
		`dmarc_dsn_markers_count{state="stale"} 1`,
		`dmarc_dsn_table_entries 1`,
		fmt.Sprintf(`dmarc_dsn_table_last_build_timestamp_seconds %g`, float64(testNow.Unix())),
	} {
		if !strings.Contains(string(blob), line+"\n") {
			t.Errorf("missing %q in:\n%s", line, blob)
		}
	}
}
