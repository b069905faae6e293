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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/log"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const sqlTable = "dmarc_dsn_markers"

// SQLStore keeps markers in a single SQL table. Timestamps are stored as
// Unix nanoseconds.
//
// Supported drivers are sqlite3 (or sqlite when built without cgo),
// postgres and mysql.
type SQLStore struct {
	db     *sql.DB
	driver string

	Log log.Logger
	Now func() time.Time

	get    *sql.Stmt
	upsert *sql.Stmt
	list   *sql.Stmt
	del    *sql.Stmt
}

func NewSQL(driver, dsn string, logger log.Logger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to open db: %w", err), driver)
	}
	s := &SQLStore{
		db:     db,
		driver: driver,
		Log:    logger,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) placeholders() [3]string {
	if s.driver == "mysql" {
		return [3]string{"?", "?", "?"}
	}
	return [3]string{"$1", "$2", "$3"}
}

func (s *SQLStore) init() error {
	create := `CREATE TABLE IF NOT EXISTS ` + sqlTable + ` (
		domain VARCHAR(253) NOT NULL PRIMARY KEY,
		last_touched BIGINT NOT NULL,
		records TEXT NOT NULL
	)`
	if _, err := s.db.Exec(create); err != nil {
		return unavailable(fmt.Errorf("init query failed: %w", err), s.driver)
	}

	p := s.placeholders()
	upsertQuery := `INSERT INTO ` + sqlTable + ` (domain, last_touched, records) VALUES (` + p[0] + `, ` + p[1] + `, ` + p[2] + `)
		ON CONFLICT(domain) DO UPDATE SET last_touched = excluded.last_touched, records = excluded.records`
	if s.driver == "mysql" {
		upsertQuery = `INSERT INTO ` + sqlTable + ` (domain, last_touched, records) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE last_touched = VALUES(last_touched), records = VALUES(records)`
	}

	var err error
	s.get, err = s.db.Prepare(`SELECT last_touched, records FROM ` + sqlTable + ` WHERE domain = ` + p[0])
	if err != nil {
		return unavailable(fmt.Errorf("failed to prepare get query: %w", err), s.driver)
	}
	s.upsert, err = s.db.Prepare(upsertQuery)
	if err != nil {
		return unavailable(fmt.Errorf("failed to prepare upsert query: %w", err), s.driver)
	}
	s.list, err = s.db.Prepare(`SELECT domain, last_touched, records FROM ` + sqlTable + ` ORDER BY domain`)
	if err != nil {
		return unavailable(fmt.Errorf("failed to prepare list query: %w", err), s.driver)
	}
	s.del, err = s.db.Prepare(`DELETE FROM ` + sqlTable + ` WHERE domain = ` + p[0])
	if err != nil {
		return unavailable(fmt.Errorf("failed to prepare del query: %w", err), s.driver)
	}
	return nil
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLStore) Touch(ctx context.Context, domain string, rec *Record) error {
	key, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, s.driver)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		stamp int64
		blob  string
	)
	var records []Record
	err = tx.StmtContext(ctx, s.get).QueryRowContext(ctx, key).Scan(&stamp, &blob)
	switch {
	case err == nil:
		records, err = decodeRecords([]byte(blob))
		if err != nil {
			s.Log.Error("discarding unreadable history", err, "domain", key)
			records = nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return unavailable(err, s.driver)
	}

	now := s.now()
	records = appendRecord(records, rec, now)
	content, err := encodeRecords(records)
	if err != nil {
		return err
	}

	if _, err := tx.StmtContext(ctx, s.upsert).ExecContext(ctx, key, now.UnixNano(), string(content)); err != nil {
		return unavailable(err, s.driver)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err, s.driver)
	}

	s.Log.DebugMsg("marker touched", "domain", key, "stamp", now, "records", len(records))
	return nil
}

func (s *SQLStore) Markers(ctx context.Context) iter.Seq2[Marker, error] {
	return func(yield func(Marker, error) bool) {
		rows, err := s.list.QueryContext(ctx)
		if err != nil {
			yield(Marker{}, unavailable(err, s.driver))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				domain string
				stamp  int64
				blob   string
			)
			if err := rows.Scan(&domain, &stamp, &blob); err != nil {
				yield(Marker{}, unavailable(err, s.driver))
				return
			}

			m, err := makeMarker(domain, stamp, blob)
			if err != nil {
				if !yield(Marker{Domain: domain}, &ReadError{Domain: domain, Err: err}) {
					return
				}
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Marker{}, unavailable(err, s.driver))
		}
	}
}

func makeMarker(domain string, stamp int64, blob string) (Marker, error) {
	if stamp <= 0 {
		return Marker{}, fmt.Errorf("invalid timestamp: %d", stamp)
	}
	records, err := decodeRecords([]byte(blob))
	if err != nil {
		return Marker{}, err
	}
	return Marker{
		Domain:      domain,
		LastTouched: time.Unix(0, stamp),
		Records:     records,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, domain string) (Marker, error) {
	key, err := NormalizeDomain(domain)
	if err != nil {
		return Marker{}, err
	}

	var (
		stamp int64
		blob  string
	)
	if err := s.get.QueryRowContext(ctx, key).Scan(&stamp, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Marker{}, ErrNotFound
		}
		return Marker{}, unavailable(err, s.driver)
	}

	m, err := makeMarker(key, stamp, blob)
	if err != nil {
		return Marker{}, &ReadError{Domain: key, Err: err}
	}
	return m, nil
}

func (s *SQLStore) Remove(ctx context.Context, domain string) error {
	key, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}

	res, err := s.del.ExecContext(ctx, key)
	if err != nil {
		return unavailable(err, s.driver)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err, s.driver)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
