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

package exterrors

import (
	"errors"
)

// Exit statuses from sysexits(3). Postfix pipe(8) and most other MTAs
// interpret them: EX_TEMPFAIL defers the message, the rest are permanent.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 64
	ExitDataErr  = 65
	ExitNoInput  = 66
	ExitSoftware = 70
	ExitIOErr    = 74
	ExitTempFail = 75
	ExitConfig   = 78
)

type exitCoder interface {
	ExitCode() int
}

type exitCodeErr struct {
	err  error
	code int
}

func (e exitCodeErr) Error() string {
	return e.err.Error()
}

func (e exitCodeErr) Unwrap() error {
	return e.err
}

func (e exitCodeErr) ExitCode() int {
	return e.code
}

// WithExitCode wraps err so that ExitCode reports code for it.
func WithExitCode(err error, code int) error {
	return exitCodeErr{err, code}
}

// ExitCode returns the process exit status that should be used when err
// terminates the program.
//
// The outermost explicit code set by WithExitCode wins. Otherwise temporary
// errors (see IsTemporary) map to ExitTempFail and everything else to
// ExitFailure. nil maps to ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if IsTemporary(err) {
		return ExitTempFail
	}
	return ExitFailure
}
