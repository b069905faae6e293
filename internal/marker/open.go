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
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	"github.com/foxcpp/dmarc-dsn/framework/log"
)

// Open returns the store selected by driver.
//
// Empty driver or "fs" selects FSStore rooted at dataDir. Any other value is
// a database/sql driver name, "sqlite" is an alias for the SQLite driver
// available in this build. If dsn is empty for SQLite, the database is
// created in dataDir.
func Open(dataDir, driver, dsn string, logger log.Logger) (Store, error) {
	switch driver {
	case "", "fs":
		return NewFS(dataDir, logger), nil
	case "sqlite", "sqlite3":
		driver = DefaultSQLiteDriver
		if dsn == "" {
			dsn = filepath.Join(dataDir, "markers.db")
		}
	}
	if !slices.Contains(sql.Drivers(), driver) {
		return nil, exterrors.WithExitCode(fmt.Errorf("marker: unknown store: %s", driver), exterrors.ExitConfig)
	}
	return NewSQL(driver, dsn, logger)
}
