package IO

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

// BLEU accumulates clipped n-gram matches over a corpus of hypotheses, each
// scored against all of its references.
type BLEU struct {
	N      int
	Smooth bool // add-one smoothing for n > 1, for sentence-level ranking

	matches, totals []float64
	predLen, refLen float64
}

func NewBLEU(n int) *BLEU {
	return &BLEU{N: n, matches: make([]float64, n), totals: make([]float64, n)}
}

// Add scores one whitespace-tokenized hypothesis. The reference length is the
// one closest to the hypothesis.
func (b *BLEU) Add(hyp string, refs []string) {
	h := strings.Fields(hyp)
	b.predLen += float64(len(h))
	if len(refs) > 0 {
		best := -1
		for _, r := range refs {
			n := len(strings.Fields(r))
			if best < 0 || abs(n-len(h)) < abs(best-len(h)) || (abs(n-len(h)) == abs(best-len(h)) && n < best) {
				best = n
			}
		}
		b.refLen += float64(best)
	}
	for n := 1; n <= b.N; n++ {
		hc := ngramCounts(h, n)
		maxRef := map[string]int{}
		for _, r := range refs {
			for g, c := range ngramCounts(strings.Fields(r), n) {
				maxRef[g] = max(maxRef[g], c)
			}
		}
		for g, c := range hc {
			b.matches[n-1] += float64(min(c, maxRef[g]))
		}
		b.totals[n-1] += float64(max(len(h)-n+1, 0))
	}
}

// Score is the geometric mean of the n-gram precisions times the brevity
// penalty. Without smoothing any empty precision gives 0.
func (b *BLEU) Score() float64 {
	if b.predLen == 0 {
		return 0
	}
	logSum := 0.0
	for i := range b.N {
		m, t := b.matches[i], b.totals[i]
		if b.Smooth && i > 0 {
			m, t = m+1, t+1
		}
		if m == 0 || t == 0 {
			return 0
		}
		logSum += math.Log(m / t)
	}
	bp := 1.0
	if b.predLen <= b.refLen {
		bp = math.Exp(1 - b.refLen/b.predLen)
	}
	return bp * math.Exp(logSum/float64(b.N))
}

// CorpusBLEU scores hyps[i] against refs[i].
func CorpusBLEU(hyps []string, refs [][]string, n int) float64 {
	b := NewBLEU(n)
	for i, h := range hyps {
		b.Add(h, refs[i])
	}
	return b.Score()
}

// SentenceBLEU is a smoothed single-hypothesis score.
func SentenceBLEU(hyp string, refs []string, n int) float64 {
	b := NewBLEU(n)
	b.Smooth = true
	b.Add(hyp, refs)
	return b.Score()
}

// EditDistance is the smallest character edit distance from hyp to a reference.
func EditDistance(hyp string, refs []string) int {
	best := -1
	for _, r := range refs {
		if d := levenshtein.ComputeDistance(hyp, r); best < 0 || d < best {
			best = d
		}
	}
	return max(best, 0)
}

func ngramCounts(words []string, n int) map[string]int {
	out := make(map[string]int)
	for i := 0; i+n <= len(words); i++ {
		out[strings.Join(words[i:i+n], " ")]++
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// ScoredCaption is a generated caption with its sentence score.
type ScoredCaption struct {
	Image   string
	Caption string
	Score   float64
}

// TopCaptions keeps the k best captions seen, on a min-heap by score.
type TopCaptions struct {
	k int
	h *heap.Heap[ScoredCaption]
}

func NewTopCaptions(k int) *TopCaptions {
	return &TopCaptions{k: k, h: heap.NewWith(func(a, b ScoredCaption) int {
		return cmp.Compare(a.Score, b.Score)
	})}
}

func (t *TopCaptions) Offer(c ScoredCaption) {
	if t.k <= 0 {
		return
	}
	if t.h.Size() < t.k {
		t.h.Push(c)
		return
	}
	if worst, ok := t.h.Peek(); ok && c.Score > worst.Score {
		t.h.Pop()
		t.h.Push(c)
	}
}

// Sorted returns the kept captions, best first.
func (t *TopCaptions) Sorted() []ScoredCaption {
	out := slices.Clone(t.h.Values())
	slices.SortStableFunc(out, func(a, b ScoredCaption) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out
}
