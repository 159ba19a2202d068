package evaluation

import (
	"math"
	"sort"
)

// NDCG calculates Normalized Discounted Cumulative Gain at K. gains holds the
// graded relevance of each ranked hit; ideal holds the relevance of every
// judged relevant document in any order.
func NDCG(gains, ideal []int, k int) float64 {
	if k <= 0 {
		return 0
	}

	sorted := make([]int, len(ideal))
	copy(sorted, ideal)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	idcg := dcg(sorted, k)
	if idcg == 0 {
		return 0
	}
	return dcg(gains, k) / idcg
}

func dcg(gains []int, k int) float64 {
	if k > len(gains) {
		k = len(gains)
	}
	sum := 0.0
	for i := 0; i < k; i++ {
		sum += float64(gains[i]) / math.Log2(float64(i+2))
	}
	return sum
}

// Recall calculates Recall at K against the number of relevant documents
// that exist for the query.
func Recall(relevances []int, k, threshold, totalRelevant int) float64 {
	if totalRelevant == 0 {
		return 0
	}
	return float64(countRelevant(relevances, k, threshold)) / float64(totalRelevant)
}

// Precision calculates Precision at K. Missing ranks count as misses.
func Precision(relevances []int, k, threshold int) float64 {
	if k <= 0 {
		return 0
	}
	return float64(countRelevant(relevances, k, threshold)) / float64(k)
}

func countRelevant(relevances []int, k, threshold int) int {
	if k > len(relevances) {
		k = len(relevances)
	}
	n := 0
	for i := 0; i < k; i++ {
		if relevances[i] >= threshold {
			n++
		}
	}
	return n
}

// MRR calculates the reciprocal rank of the first relevant hit.
func MRR(relevances []int, threshold int) float64 {
	for i, r := range relevances {
		if r >= threshold {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// AveragePrecision calculates Average Precision. Relevant documents that were
// never retrieved contribute zero.
func AveragePrecision(relevances []int, threshold, totalRelevant int) float64 {
	if totalRelevant == 0 {
		return 0
	}

	relevant := 0
	sumPrecision := 0.0
	for i, r := range relevances {
		if r >= threshold {
			relevant++
			sumPrecision += float64(relevant) / float64(i+1)
		}
	}
	return sumPrecision / float64(totalRelevant)
}
