// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"math"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// bayes combines per-token class frequencies with Fisher's inverse
// chi-square, the classic statfile combiner. Probabilities clamp away
// from 0 and 1 so single tokens cannot saturate the result.
type bayes struct{}

const (
	bayesMinProb = 0.01
	bayesMaxProb = 0.99
)

// classify returns the spam probability of the token set given the
// per-class slots. slotSpam marks which count slot belongs to a spam
// statfile.
func (bayes) classify(tokens []*Token, slotSpam []bool, learns []uint64) float64 {
	var (
		lnSpam, lnHam float64
		n             int
	)

	for _, t := range tokens {
		var spamCount, hamCount, spamLearns, hamLearns float64

		for slot, isSpam := range slotSpam {
			c := float64(t.Counts[slot])
			l := float64(learns[slot])
			if isSpam {
				spamCount += c
				spamLearns += l
			} else {
				hamCount += c
				hamLearns += l
			}
		}

		if spamCount+hamCount == 0 {
			continue
		}

		spamFreq := spamCount / math.Max(1, spamLearns)
		hamFreq := hamCount / math.Max(1, hamLearns)
		p := spamFreq / (spamFreq + hamFreq)
		p = math.Min(bayesMaxProb, math.Max(bayesMinProb, p))

		lnSpam += math.Log(p)
		lnHam += math.Log(1 - p)
		n++
	}

	if n == 0 {
		return 0.5
	}

	s := chi2Q(-2*lnSpam, 2*n)
	h := chi2Q(-2*lnHam, 2*n)
	prob := (1 + h - s) / 2

	cclog.Debugf("bayes: %d significant tokens, S=%.4f H=%.4f prob=%.4f", n, s, h, prob)
	return prob
}

// chi2Q is the upper-tail chi-square probability for even degrees of
// freedom.
func chi2Q(x float64, df int) float64 {
	if x <= 0 {
		return 1.0
	}

	m := x / 2
	term := math.Exp(-m)
	sum := term

	for i := 1; i < df/2; i++ {
		term *= m / float64(i)
		sum += term
	}

	return math.Min(1.0, sum)
}
