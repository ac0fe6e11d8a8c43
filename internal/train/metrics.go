package train

import (
	"sort"

	"github.com/derivwatch/derivwatch/internal/model"
)

// evaluate scores predicted probability vectors against true labels.
func evaluate(probs [][]float64, y []int) model.Metrics {
	m := model.Metrics{
		PerClass: make(map[int]model.ClassMetrics, model.NumClasses),
		Samples:  len(y),
	}
	if len(y) == 0 {
		return m
	}

	correct := 0
	var brier float64
	for i, p := range probs {
		pred := argmax(p)
		m.Confusion[y[i]][pred]++
		if pred == y[i] {
			correct++
		}
		for k := 0; k < model.NumClasses; k++ {
			target := 0.0
			if y[i] == k {
				target = 1.0
			}
			brier += (p[k] - target) * (p[k] - target)
		}
	}
	m.Accuracy = float64(correct) / float64(len(y))
	m.Brier = brier / float64(len(y))

	for k := 0; k < model.NumClasses; k++ {
		tp := float64(m.Confusion[k][k])
		var fp, fn, support float64
		for other := 0; other < model.NumClasses; other++ {
			if other != k {
				fp += float64(m.Confusion[other][k])
				fn += float64(m.Confusion[k][other])
			}
			support += float64(m.Confusion[k][other])
		}
		cm := model.ClassMetrics{Support: int(support)}
		if tp+fp > 0 {
			cm.Precision = tp / (tp + fp)
		}
		if tp+fn > 0 {
			cm.Recall = tp / (tp + fn)
		}
		if cm.Precision+cm.Recall > 0 {
			cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
		}
		m.PerClass[k] = cm
	}

	if auc, ok := winAUC(probs, y); ok {
		m.AUC = &auc
	}
	return m
}

// winAUC is the one-vs-rest AUC for the WIN class, computed as the
// normalized Mann-Whitney rank statistic. Undefined when a class is absent.
func winAUC(probs [][]float64, y []int) (float64, bool) {
	type scored struct {
		p   float64
		win bool
	}
	var items []scored
	var pos, neg int
	for i, p := range probs {
		win := y[i] == model.ClassWin
		if win {
			pos++
		} else {
			neg++
		}
		items = append(items, scored{p: p[model.ClassWin], win: win})
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}
	sort.Slice(items, func(i, j int) bool { return items[i].p < items[j].p })

	// Average ranks across ties.
	ranks := make([]float64, len(items))
	for i := 0; i < len(items); {
		j := i
		for j < len(items) && items[j].p == items[i].p {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}
	var rankSum float64
	for i, it := range items {
		if it.win {
			rankSum += ranks[i]
		}
	}
	auc := (rankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
	return auc, true
}

func argmax(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}
