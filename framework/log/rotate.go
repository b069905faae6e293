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

package log

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateOpts controls size-based rotation of log files.
// Zero values select lumberjack defaults (100 MiB, keep everything).
type RotateOpts struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileOutput returns a log.Output that appends timestamped messages to the
// file at path, rotating it according to opts.
//
// The file is opened lazily on the first write, so FileOutput itself
// never fails.
func FileOutput(path string, opts RotateOpts) Output {
	return WriteCloserOutput(rotatingFile(path, opts), true)
}

func rotatingFile(path string, opts RotateOpts) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}
