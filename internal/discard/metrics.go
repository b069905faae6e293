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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registry holds only the build-table metrics so that the textfile does not
// include Go runtime metrics of a short-lived process.
var registry = prometheus.NewRegistry()

var (
	markersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dmarc_dsn",
			Subsystem: "markers",
			Name:      "count",
			Help:      "Amount of markers seen during the last table build",
		},
		[]string{"state"},
	)
	entriesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dmarc_dsn",
			Subsystem: "table",
			Name:      "entries",
			Help:      "Amount of lines in the generated discard table",
		},
	)
	lastBuildGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dmarc_dsn",
			Subsystem: "table",
			Name:      "last_build_timestamp_seconds",
			Help:      "Time of the last successful table build",
		},
	)
)

func init() {
	registry.MustRegister(markersGauge, entriesGauge, lastBuildGauge)
}

// WriteMetrics writes the build statistics to path in the node_exporter
// textfile collector format. The file is replaced atomically.
func WriteMetrics(path string, t *Table, stats Stats, now time.Time) error {
	markersGauge.WithLabelValues("fresh").Set(float64(stats.Fresh))
	markersGauge.WithLabelValues("stale").Set(float64(stats.Stale))
	markersGauge.WithLabelValues("unreadable").Set(float64(stats.Unreadable))
	markersGauge.WithLabelValues("duplicate").Set(float64(stats.Duplicates))
	entriesGauge.Set(float64(len(t.Entries)))
	lastBuildGauge.Set(float64(now.Unix()))

	return prometheus.WriteToTextfile(path, registry)
}
