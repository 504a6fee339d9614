/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of demandas-cache.
 *
 * demandas-cache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * demandas-cache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package utils

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// SetDefaultNum sets *p to d if *p <= 0.
func SetDefaultNum[K constraints.Integer | constraints.Float](p *K, d K) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// ClampFloat returns v limited to [lo, hi].
func ClampFloat[F constraints.Float](v, lo, hi F) F {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// JoinKey joins a non-empty prefix and key with sep.
func JoinKey(prefix, sep, key string) string {
	if len(strings.TrimSpace(prefix)) == 0 {
		return key
	}
	return fmt.Sprintf("%s%s%s", prefix, sep, key)
}
