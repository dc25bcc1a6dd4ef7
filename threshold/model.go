/*
 * Copyright 2024 The Raptor Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package threshold turns a query's minimiser count into the number of
// hits a bin must reach to be reported, under a configurable error
// count and confidence.
package threshold

import (
	"math"
	"math/rand"

	"github.com/seqan/raptor/kmer"
)

// monteCarloSeed fixes the sampling of indirect minimiser destruction,
// keeping the precomputed vectors reproducible across runs.
const monteCarloSeed int64 = 0x1D2B8284D988C4D0

const monteCarloIterations = 10000

// destroyedIndirectlyByError estimates, for j in [0, W-k), the
// probability that a single substitution destroys j minimisers
// *indirectly*: the error creates a smaller hash somewhere, shifting
// minimisers whose k-mers do not even overlap the error position.
func destroyedIndirectlyByError(patternSize, windowSize uint64, shape kmer.Shape) []float64 {
	k := uint64(shape.Size())
	rng := rand.New(rand.NewSource(monteCarloSeed))

	result := make([]float64, windowSize-k)
	sequence := make([]byte, patternSize)
	mins := make([]bool, patternSize)
	minse := make([]bool, patternSize)
	mini := kmer.NewForwardMinimiser(shape, uint32(windowSize))

	const bases = "ACGT"
	for iteration := 0; iteration < monteCarloIterations; iteration++ {
		for i := range sequence {
			sequence[i] = bases[rng.Intn(4)]
		}
		for i := range mins {
			mins[i] = false
			minse[i] = false
		}

		mini.Compute(sequence)
		for _, b := range mini.Begin {
			mins[b] = true
		}

		errorPos := uint64(rng.Intn(int(patternSize)))
		newBase := bases[rng.Intn(4)]
		for newBase == sequence[errorPos] {
			newBase = bases[rng.Intn(4)]
		}
		sequence[errorPos] = newBase

		mini.Compute(sequence)
		for _, b := range mini.Begin {
			minse[b] = true
		}

		count := 0
		for i := uint64(0); i < patternSize; i++ {
			if mins[i] != minse[i] && (errorPos < i || i+k < errorPos) {
				count++
			}
		}
		if count < len(result) {
			result[count]++
		}
	}

	for i := range result {
		result[i] /= monteCarloIterations
	}
	return result
}

// pascalRow returns the n-th row of Pascal's triangle.
func pascalRow(n uint64) []uint64 {
	result := make([]uint64, n+1)
	result[0] = 1
	for i := uint64(1); i <= n; i++ {
		result[i] = result[i-1] * (n + 1 - i) / i
	}
	return result
}

// simpleModel builds the per-window destruction distribution: the
// probability that one error destroys i of a window's k-mers, as a
// binomial at the worst-case local minimiser density convolved with the
// indirect-destruction estimate.
func simpleModel(kmerSize uint64, probaX, indirectErrors []float64) []float64 {
	// Find the worst case: the window with the highest minimiser mass.
	max := 0.0
	for i := range probaX {
		tmp := 0.0
		for j := i; j < len(probaX) && uint64(j) < uint64(i)+kmerSize; j++ {
			tmp += probaX[j]
		}
		if tmp > max {
			max = tmp
		}
	}

	coefficients := pascalRow(kmerSize)
	probabilities := make([]float64, kmerSize+1)
	pMean := max / float64(kmerSize)

	pSum := 0.0
	for i := uint64(0); i <= kmerSize; i++ {
		pIError := float64(coefficients[i]) * math.Pow(pMean, float64(i)) * math.Pow(1-pMean, float64(kmerSize-i))
		for j := 0; j < len(indirectErrors) && i+uint64(j) <= kmerSize; j++ {
			probabilities[i+uint64(j)] += pIError * indirectErrors[j]
		}
		pSum += probabilities[i]
	}
	for i := range probabilities {
		probabilities[i] /= pSum
	}
	return probabilities
}

// enumerateAllErrors sums, over all weak compositions of
// minimisersLeft into errors parts, the product of per-error
// destruction probabilities.
func enumerateAllErrors(minimisersLeft, errors uint64, proba []float64) float64 {
	distribution := make([]uint64, errors)
	result := 0.0
	var impl func(left uint64, idx uint64)
	impl = func(left uint64, idx uint64) {
		if left == 0 {
			tmp := 1.0
			for i := uint64(0); i < idx; i++ {
				tmp *= proba[distribution[i]]
			}
			for i := idx; i < errors; i++ {
				tmp *= proba[0]
			}
			result += tmp
			return
		}
		if idx >= errors {
			return
		}
		for i := uint64(0); i <= left && i < uint64(len(proba)); i++ {
			distribution[idx] = i
			impl(left-i, idx+1)
		}
	}
	impl(minimisersLeft, 0)
	return result
}

// precomputeThreshold computes, for every possible minimiser count m of
// a pattern, the number of minimisers that still match after `errors`
// substitutions with probability at least tau. Indexing starts at the
// minimal minimiser count.
func precomputeThreshold(patternSize, windowSize uint64, shape kmer.Shape, errors uint64, tau float64) []uint64 {
	k := uint64(shape.Size())
	if windowSize == k {
		v := uint64(0)
		if patternSize+1 > (errors+1)*k {
			v = patternSize + 1 - (errors+1)*k
		}
		return []uint64{v}
	}

	kmersPerWindow := windowSize - k + 1
	kmersPerPattern := patternSize - k + 1
	minimal := uint64(math.Ceil(float64(kmersPerPattern) / float64(kmersPerWindow)))
	maximal := patternSize - windowSize + 1

	indirectErrors := destroyedIndirectlyByError(patternSize, windowSize, shape)

	var thresholds []uint64
	for m := minimal; m <= maximal; m++ {
		probaX := make([]float64, kmersPerPattern)
		for i := range probaX {
			probaX[i] = float64(m) / float64(kmersPerPattern)
		}
		proba := simpleModel(k, probaX, indirectErrors)

		probaError := make([]float64, m)
		sum := 0.0
		for i := uint64(0); i < m; i++ {
			probaError[i] = enumerateAllErrors(i, errors, proba)
			sum += probaError[i]
		}

		n := 0.0
		for i := uint64(0); i < m; i++ {
			n += probaError[i] / sum
			if n >= tau {
				thresholds = append(thresholds, m-i)
				break
			}
		}
	}
	return thresholds
}

// precomputeCorrection computes the additive FPR correction: for each
// minimiser count m, the smallest c such that at most c of the m
// minimisers are spurious bin hits with probability at least pMax,
// under a per-minimiser false-positive rate fpr.
func precomputeCorrection(patternSize, windowSize uint64, shape kmer.Shape, pMax, fpr float64) []uint64 {
	k := uint64(shape.Size())
	var minimal, maximal uint64
	if windowSize == k {
		minimal, maximal = 1, 1
	} else {
		kmersPerWindow := windowSize - k + 1
		kmersPerPattern := patternSize - k + 1
		minimal = uint64(math.Ceil(float64(kmersPerPattern) / float64(kmersPerWindow)))
		maximal = patternSize - windowSize + 1
	}

	logFPR := math.Log(fpr)
	logNotFPR := math.Log1p(-fpr)

	correction := make([]uint64, 0, maximal-minimal+1)
	for m := minimal; m <= maximal; m++ {
		pmf := func(x uint64) float64 {
			lgM, _ := math.Lgamma(float64(m) + 1)
			lgX, _ := math.Lgamma(float64(x) + 1)
			lgMX, _ := math.Lgamma(float64(m-x) + 1)
			return math.Exp(lgM - lgX - lgMX + float64(x)*logFPR + float64(m-x)*logNotFPR)
		}
		coverage := uint64(0)
		sum := pmf(0)
		for sum < pMax && coverage < m {
			coverage++
			sum += pmf(coverage)
		}
		correction = append(correction, coverage)
	}
	return correction
}
