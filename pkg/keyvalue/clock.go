// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package keyvalue

import "time"

// processStart anchors Timestamp to a monotonic reading: time.Since
// uses the runtime's monotonic clock reading carried inside a
// time.Time, so this stays non-decreasing even across wall-clock
// adjustments, unlike time.Now().UnixNano() alone.
var processStart = time.Now()

func monotonicNow() int64 {
	return processStart.UnixNano() + time.Since(processStart).Nanoseconds()
}
