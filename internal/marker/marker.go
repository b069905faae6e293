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

// Package marker implements the store of "last seen undeliverable" markers,
// one per domain.
//
// A marker is touched every time a DMARC report to the domain bounces. The
// store never expires markers by itself, freshness is decided by the reader.
package marker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/address"
	"github.com/foxcpp/dmarc-dsn/framework/dns"
	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
)

// MaxRecords is the amount of bounce records kept per marker.
const MaxRecords = 16

// DateFormat is the format of Record.Date.
const DateFormat = "20060102"

var (
	ErrInvalidDomain    = errors.New("marker: invalid domain")
	ErrStoreUnavailable = errors.New("marker: store unavailable")
	ErrNotFound         = errors.New("marker: no such marker")
)

// Record describes a single bounce that touched a marker. It is kept for
// information only, Marker.LastTouched is authoritative.
type Record struct {
	Date         string `json:"date"`
	OrigRcpt     string `json:"orig_rcpt,omitempty"`
	Action       string `json:"action,omitempty"`
	Status       string `json:"status,omitempty"`
	DiagCode     string `json:"diag_code,omitempty"`
	ReportDomain string `json:"report_domain,omitempty"`
	QueueID      string `json:"queue_id,omitempty"`
}

type Marker struct {
	// Domain in the form returned by NormalizeDomain.
	Domain      string
	LastTouched time.Time
	// Records are ordered from the oldest to the most recent one.
	Records []Record
}

// Latest returns the most recent bounce record, if any.
func (m Marker) Latest() (Record, bool) {
	if len(m.Records) == 0 {
		return Record{}, false
	}
	return m.Records[len(m.Records)-1], true
}

// Age returns the time elapsed since the marker was touched.
func (m Marker) Age(now time.Time) time.Duration {
	return now.Sub(m.LastTouched)
}

// ReadError is yielded by Store.Markers for an entry that can't be read.
// It affects only that entry, enumeration continues.
type ReadError struct {
	Domain string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("marker: cannot read %s: %v", e.Domain, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func (e *ReadError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"domain": e.Domain,
	}
}

// Store is a persistent domain -> last-touched map.
type Store interface {
	// Touch creates or refreshes the marker for domain, setting its timestamp
	// to the current time. rec, if not nil, is appended to the history.
	//
	// Invalid domains are rejected with ErrInvalidDomain without any writes.
	Touch(ctx context.Context, domain string, rec *Record) error

	// Markers returns a lazy sequence over all markers.
	//
	// Unreadable entries are yielded as *ReadError and iteration continues.
	// If the store itself can't be read, an error wrapping
	// ErrStoreUnavailable is yielded once and iteration stops. Each call
	// re-reads the current state.
	Markers(ctx context.Context) iter.Seq2[Marker, error]

	// Get returns the marker for the domain or ErrNotFound.
	Get(ctx context.Context, domain string) (Marker, error)

	// Remove deletes the marker for the domain or returns ErrNotFound.
	Remove(ctx context.Context, domain string) error

	Close() error
}

// NormalizeDomain converts the domain into the marker key.
//
// If s is an address, its domain part is used, so any address extension in
// the local-part is ignored.
func NormalizeDomain(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsRune(s, '@') {
		_, domain, err := address.Split(s)
		if err != nil {
			return "", exterrors.WithFields(fmt.Errorf("%w: %v", ErrInvalidDomain, err), map[string]interface{}{
				"addr": s,
			})
		}
		s = domain
	}

	domain, err := dns.Normalize(s)
	if err != nil {
		return "", exterrors.WithFields(fmt.Errorf("%w: %v", ErrInvalidDomain, err), map[string]interface{}{
			"domain": s,
		})
	}
	return domain, nil
}

func unavailable(err error, path string) error {
	return exterrors.WithTemporary(
		exterrors.WithFields(fmt.Errorf("%w: %v", ErrStoreUnavailable, err), map[string]interface{}{
			"path": path,
		}),
		true,
	)
}

// appendRecord adds rec to the history, keeping at most MaxRecords entries.
func appendRecord(records []Record, rec *Record, now time.Time) []Record {
	if rec == nil {
		return records
	}
	r := *rec
	if r.Date == "" {
		r.Date = now.Format(DateFormat)
	}
	records = append(records, r)
	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}
	return records
}

// encodeRecords serializes the history as JSON lines.
func encodeRecords(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeRecords parses the JSON lines history. Empty input is a valid
// marker without history.
func decodeRecords(blob []byte) ([]Record, error) {
	var records []Record
	scnr := bufio.NewScanner(bytes.NewReader(blob))
	scnr.Buffer(make([]byte, 0, 4096), 1024*1024)
	lineCounter := 0
	for scnr.Scan() {
		lineCounter++
		line := bytes.TrimSpace(scnr.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineCounter, err)
		}
		records = append(records, r)
	}
	if err := scnr.Err(); err != nil {
		return nil, err
	}
	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}
	return records, nil
}
