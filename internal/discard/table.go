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

// Package discard builds the MTA lookup table that suppresses DMARC reports
// to domains that bounced recently.
package discard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/address"
	"github.com/foxcpp/dmarc-dsn/framework/dns"
	"github.com/foxcpp/dmarc-dsn/framework/log"
	"github.com/foxcpp/dmarc-dsn/internal/atomicfile"
	"github.com/foxcpp/dmarc-dsn/internal/marker"
)

const (
	DefaultWindow    = 30 * 24 * time.Hour
	MaxWindow        = 90 * 24 * time.Hour
	DefaultTransport = "discard"
)

type KeyFormat string

const (
	// KeyDomain uses the domain itself, for transport_maps.
	KeyDomain KeyFormat = "domain"
	// KeyRcpt uses the most recent recorded original recipient and falls
	// back to the domain.
	KeyRcpt KeyFormat = "rcpt"
	// KeyVERP reconstructs the VERP address the reports are sent from:
	// <sender-local>+<domain>@<sender-domain>.
	KeyVERP KeyFormat = "verp"
)

var (
	ErrWindow    = errors.New("discard: window out of range")
	ErrKeyFormat = errors.New("discard: unknown key format")
	ErrNoSender  = errors.New("discard: sender address is required for verp keys")
)

func ParseKeyFormat(s string) (KeyFormat, error) {
	switch f := KeyFormat(strings.ToLower(s)); f {
	case KeyDomain, KeyRcpt, KeyVERP:
		return f, nil
	case "":
		return KeyDomain, nil
	}
	return "", fmt.Errorf("%w: %s", ErrKeyFormat, s)
}

type Options struct {
	// Window is the retention window. Markers younger than Window are
	// fresh, so zero Window makes every marker stale.
	Window time.Duration

	KeyFormat KeyFormat
	// Sender is the envelope sender of the reports, required for KeyVERP.
	Sender string
	// Delimiter joins the sender local-part and the domain in KeyVERP
	// keys. The first character of address.DefaultDelimiters if empty.
	Delimiter string
	// Transport is the action prefix. DefaultTransport if empty.
	Transport string

	Log log.Logger
}

func (o *Options) setDefaults() error {
	if o.Window < 0 || o.Window > MaxWindow {
		return fmt.Errorf("%w: %v", ErrWindow, o.Window)
	}
	if o.KeyFormat == "" {
		o.KeyFormat = KeyDomain
	}
	if _, err := ParseKeyFormat(string(o.KeyFormat)); err != nil {
		return err
	}
	if o.Transport == "" {
		o.Transport = DefaultTransport
	}
	if o.Delimiter == "" {
		o.Delimiter = address.DefaultDelimiters
	}
	// Only the first one of recipient_delimiter characters is used to
	// build addresses.
	o.Delimiter = o.Delimiter[:1]
	if o.KeyFormat == KeyVERP {
		if o.Sender == "" {
			return ErrNoSender
		}
		if _, _, err := address.Split(o.Sender); err != nil {
			return fmt.Errorf("discard: invalid sender address: %w", err)
		}
	}
	return nil
}

// Entry is a single line of the table.
type Entry struct {
	Key         string
	Domain      string
	LastTouched time.Time
	// Date of the most recent bounce (YYYYMMDD) or "unknown".
	Date string
}

// Table is the complete set of fresh markers, sorted by key.
type Table struct {
	Transport string
	Window    time.Duration
	Entries   []Entry
}

type Stats struct {
	Fresh      int
	Stale      int
	Unreadable int
	// Duplicates is the amount of fresh markers that produced a key already
	// present in the table.
	Duplicates int
}

// IsFresh reports whether the marker touched at lastTouched is still
// within the window at now. A marker exactly window old is stale.
func IsFresh(lastTouched, now time.Time, window time.Duration) bool {
	return now.Sub(lastTouched) < window
}

// Build enumerates the store and returns the table of fresh markers.
//
// Unreadable markers are logged and left out of the table. If the store
// can't be enumerated at all, no table is returned.
func Build(ctx context.Context, store marker.Store, now time.Time, opts Options) (*Table, Stats, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, Stats{}, err
	}

	var stats Stats
	byKey := make(map[string]Entry)
	for m, err := range store.Markers(ctx) {
		if err != nil {
			var readErr *marker.ReadError
			if errors.As(err, &readErr) {
				stats.Unreadable++
				opts.Log.Error("marker skipped", err)
				continue
			}
			return nil, stats, err
		}

		if !IsFresh(m.LastTouched, now, opts.Window) {
			stats.Stale++
			opts.Log.DebugMsg("stale marker", "domain", m.Domain, "age", m.Age(now))
			continue
		}
		stats.Fresh++

		ent := Entry{
			Key:         opts.key(m),
			Domain:      m.Domain,
			LastTouched: m.LastTouched,
			Date:        "unknown",
		}
		if rec, ok := m.Latest(); ok && rec.Date != "" {
			ent.Date = rec.Date
		}

		if prev, ok := byKey[ent.Key]; ok {
			stats.Duplicates++
			if !newer(ent, prev) {
				continue
			}
		}
		byKey[ent.Key] = ent
	}

	t := &Table{
		Transport: opts.Transport,
		Window:    opts.Window,
		Entries:   make([]Entry, 0, len(byKey)),
	}
	for _, ent := range byKey {
		t.Entries = append(t.Entries, ent)
	}
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].Key < t.Entries[j].Key
	})
	return t, stats, nil
}

func newer(a, b Entry) bool {
	if !a.LastTouched.Equal(b.LastTouched) {
		return a.LastTouched.After(b.LastTouched)
	}
	return a.Domain < b.Domain
}

func (o *Options) key(m marker.Marker) string {
	switch o.KeyFormat {
	case KeyRcpt:
		if rec, ok := m.Latest(); ok && rec.OrigRcpt != "" {
			addr, err := address.ForTable(rec.OrigRcpt)
			if err == nil {
				_, domain, _ := address.Split(addr)
				if dns.Equal(domain, m.Domain) {
					return addr
				}
			}
			o.Log.Msg("unusable recipient, using domain as key", "domain", m.Domain, "orig_rcpt", rec.OrigRcpt)
		}
		return m.Domain
	case KeyVERP:
		mbox, domain, _ := address.Split(o.Sender)
		return strings.ToLower(mbox) + o.Delimiter + m.Domain + "@" + strings.ToLower(domain)
	default:
		return m.Domain
	}
}

// Action returns the right-hand side of the table line for ent.
func (t *Table) Action(ent Entry) string {
	return t.Transport + ":report for " + ent.Domain + " bounced " + ent.Date + " last time"
}

func formatWindow(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d days", d/(24*time.Hour))
	}
	return d.String()
}

// WriteTo writes the table in the Postfix lookup table format.
//
// The output depends only on the table contents. It does not include the
// build time, so rebuilding from the same markers gives the same bytes.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: bufio.NewWriter(w)}
	fmt.Fprintln(cw, "# Generated by dmarc-dsn build-table, do not edit.")
	fmt.Fprintf(cw, "# Domains with DMARC report bounces in the last %s.\n", formatWindow(t.Window))
	for _, ent := range t.Entries {
		fmt.Fprintf(cw, "%s %s\n", ent.Key, t.Action(ent))
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

// WriteFile atomically replaces the file at path with the table.
func WriteFile(path string, t *Table) error {
	return atomicfile.Write(path, 0o644, time.Time{}, func(w io.Writer) error {
		_, err := t.WriteTo(w)
		return err
	})
}

type countWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (cw *countWriter) Write(b []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	cw.err = err
	return n, err
}
