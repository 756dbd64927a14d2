// Copyright 2025 Qwengate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clock derives the Beijing-time partition keys used by the quota
// store. Derivation is from the absolute UTC instant with a fixed +8h offset;
// the ambient time zone database is never consulted, so results do not depend
// on host configuration.
package clock

import "time"

const beijingOffset = 8 * time.Hour

// BeijingDate returns the Beijing-time date for t as YYYY-MM-DD.
func BeijingDate(t time.Time) string {
	return t.UTC().Add(beijingOffset).Format("2006-01-02")
}

// BeijingMinute returns the Beijing-time minute bucket for t as YYYY-MM-DDTHH:MM.
func BeijingMinute(t time.Time) string {
	return t.UTC().Add(beijingOffset).Format("2006-01-02T15:04")
}
