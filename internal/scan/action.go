// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scan

import "math"

// CheckAction selects the action for the accumulated score.
//
// Without a pre-result, the most severe action whose threshold is both
// defined and <= score wins, ties resolved toward the larger threshold.
// With a pre-result, thresholds at levels >= the pre-result action are
// walked for the first defined one; the score is forced to it (or to 0
// if all are NaN) and that action is returned.
func (mres *MetricResult) CheckAction() Action {
	if mres.PreResult == nil {
		var selected Action = ActionNoAction
		maxScore := 0.0
		found := false

		for i := ActionReject; i < actionMax; i++ {
			sc := mres.ActionLimits[i]
			if math.IsNaN(sc) {
				continue
			}
			if mres.Score >= sc && sc > maxScore {
				selected = i
				maxScore = sc
				found = true
			}
		}

		if !found {
			return ActionNoAction
		}
		return selected
	}

	sc := math.NaN()
	selected := mres.PreResult.Action

	for i := mres.PreResult.Action; i < actionMax; i++ {
		selected = i
		sc = mres.ActionLimits[i]

		if math.IsNaN(sc) {
			if i == mres.PreResult.Action {
				// No scores defined, just avoid NaN
				sc = 0
				break
			}
		} else {
			break
		}
	}

	if !math.IsNaN(sc) {
		mres.Score = sc
	} else {
		mres.Score = 0
	}

	return selected
}

// SetPreResult installs an action override unless a more severe one is
// already present.
func (mres *MetricResult) SetPreResult(act Action, message, module string) {
	if mres.PreResult != nil && mres.PreResult.Action <= act {
		return
	}
	mres.PreResult = &PreResult{Action: act, Message: message, Module: module}
}

// IsSpam reports whether the chosen action classifies the message as
// spam for the reply's True/False field.
func IsSpam(act Action) bool {
	return act < ActionGreylist
}
