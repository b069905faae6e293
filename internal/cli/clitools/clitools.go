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

package clitools

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Confirmation asks a yes/no question on out and reads the answer from in.
// Anything other than y/n (including EOF) selects def.
func Confirmation(in io.Reader, out io.Writer, prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(out, "%s [%s]: ", prompt, selection)
	scnr := bufio.NewScanner(in)
	if !scnr.Scan() {
		if err := scnr.Err(); err != nil {
			fmt.Fprintln(out, err)
		}
		return def
	}

	switch strings.TrimSpace(scnr.Text()) {
	case "Y", "y":
		return true
	case "N", "n":
		return false
	default:
		return def
	}
}

// FormatAge formats d as days and hours, e.g. "3d4h".
func FormatAge(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	days := d / (24 * time.Hour)
	hours := (d % (24 * time.Hour)) / time.Hour
	s := fmt.Sprintf("%dd%dh", days, hours)
	if neg {
		return "-" + s
	}
	return s
}
