package train

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/derivwatch/derivwatch/internal/model"
)

// ErrUnsupportedAlgorithm marks algorithms that exist as registry entries but
// have no fitter yet.
var ErrUnsupportedAlgorithm = errors.New("UNSUPPORTED_ALGORITHM")

// LogisticConfig tunes the SGD fit.
type LogisticConfig struct {
	Epochs            int     `yaml:"epochs"`
	LearningRate      float64 `yaml:"learning_rate"`
	L2                float64 `yaml:"l2"`
	EarlyStopPatience int     `yaml:"early_stop_patience"`
	Seed              int64   `yaml:"seed"`
}

// DefaultLogisticConfig returns the reproducible defaults.
func DefaultLogisticConfig() LogisticConfig {
	return LogisticConfig{
		Epochs:            200,
		LearningRate:      0.05,
		L2:                1e-4,
		EarlyStopPatience: 10,
		Seed:              42,
	}
}

// logistic is a 3-class softmax classifier.
type logistic struct {
	weights [][]float64 // [class][feature]
	bias    []float64
}

func newLogistic(features int) *logistic {
	w := make([][]float64, model.NumClasses)
	for k := range w {
		w[k] = make([]float64, features)
	}
	return &logistic{weights: w, bias: make([]float64, model.NumClasses)}
}

func logisticFromArtifact(a model.Artifact) (*logistic, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if a.Algorithm != model.AlgoLogisticRegression {
		return nil, ErrUnsupportedAlgorithm
	}
	return &logistic{weights: a.Weights, bias: a.Bias}, nil
}

func (l *logistic) artifact() model.Artifact {
	return model.Artifact{
		Algorithm: model.AlgoLogisticRegression,
		Weights:   l.weights,
		Bias:      l.bias,
	}
}

// predict returns the class probability vector for x.
func (l *logistic) predict(x []float64) []float64 {
	logits := make([]float64, model.NumClasses)
	for k := range logits {
		logits[k] = l.bias[k] + floats.Dot(l.weights[k], x)
	}
	return softmax(logits)
}

func softmax(logits []float64) []float64 {
	max := floats.Max(logits)
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// fit runs SGD with L2 regularization and early stopping on validation loss.
// The per-epoch shuffle is driven by the seeded source, so the same inputs
// and seed always produce the same weights. Cancellation is checked between
// epochs and returns the context error with the weights left unfinished.
func (l *logistic) fit(ctx context.Context, X [][]float64, y []int, valX [][]float64, valY []int, cfg LogisticConfig, onEpoch func(epoch int, valLoss float64)) error {
	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, len(X))
	for i := range order {
		order[i] = i
	}

	bestLoss := math.Inf(1)
	bestW := l.clone()
	patience := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for _, idx := range order {
			x := X[idx]
			p := l.predict(x)
			for k := 0; k < model.NumClasses; k++ {
				grad := p[k]
				if y[idx] == k {
					grad -= 1
				}
				wk := l.weights[k]
				for j, xj := range x {
					wk[j] -= cfg.LearningRate * (grad*xj + cfg.L2*wk[j])
				}
				l.bias[k] -= cfg.LearningRate * grad
			}
		}

		valLoss := l.logLoss(valX, valY)
		if onEpoch != nil {
			onEpoch(epoch, valLoss)
		}
		if valLoss < bestLoss-1e-9 {
			bestLoss = valLoss
			bestW = l.clone()
			patience = 0
		} else {
			patience++
			if patience >= cfg.EarlyStopPatience {
				break
			}
		}
	}
	l.weights = bestW.weights
	l.bias = bestW.bias
	return nil
}

func (l *logistic) logLoss(X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	var sum float64
	for i, x := range X {
		p := l.predict(x)[y[i]]
		if p < 1e-12 {
			p = 1e-12
		}
		sum -= math.Log(p)
	}
	return sum / float64(len(X))
}

func (l *logistic) clone() *logistic {
	c := newLogistic(len(l.weights[0]))
	for k := range l.weights {
		copy(c.weights[k], l.weights[k])
	}
	copy(c.bias, l.bias)
	return c
}
