/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package scoring computes key-result and objective scores. Scores are
// float64 in [0,1] and always derived server-side from stored state; query
// driven key results use their last persisted score here, the live path is
// the query executor.
package scoring

import (
	"github.com/goalpost-dev/goalpost/lib/types"
)

// KRScore computes one key result's score from its measurement state.
func KRScore(kr types.KeyResult) float64 {
	switch kr.MeasurementType {
	case types.MeasurementCheckboxes:
		if len(kr.CheckboxItems) == 0 {
			return 0
		}
		var completed int
		for _, item := range kr.CheckboxItems {
			if item.Completed {
				completed++
			}
		}
		return float64(completed) / float64(len(kr.CheckboxItems))
	default:
		// Sliders store the score directly; custom queries cache their
		// last computed score in the same field.
		return clamp(kr.Score)
	}
}

// ObjectiveScore is the weighted mean of the objective's key result scores.
// An objective with no weighted key results scores zero.
func ObjectiveScore(obj types.Objective) float64 {
	var sum, weights float64
	for _, kr := range obj.KeyResults {
		sum += KRScore(kr) * kr.Weight
		weights += kr.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// OverallScore is the weighted mean of objective scores. Callers pass the
// objectives of one scope (a year, or a month of a year).
func OverallScore(objectives []types.Objective) float64 {
	var sum, weights float64
	for _, obj := range objectives {
		sum += ObjectiveScore(obj) * obj.Weight
		weights += obj.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
