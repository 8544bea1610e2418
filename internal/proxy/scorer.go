package proxy

import (
	"math"
	"math/rand"
	"sync"
)

// Scorer predicts the success probability of routing a request through a
// proxy. The learned scorer is an optional accelerator: selection works
// purely heuristically until a scorer reports Ready.
type Scorer interface {
	// Ready reports whether Predict returns meaningful values.
	Ready() bool
	// Predict returns a success probability in [0,1] for a feature vector.
	Predict(features []float64) float64
}

// trainingSample is one recorded (features, outcome) pair. The label is
// "request succeeded and was not detected".
type trainingSample struct {
	features []float64
	label    bool
}

// LogisticScorer is a logistic-regression model fit by mini-batch SGD over
// the recorded outcomes. It is cheap to refit from scratch, so the retrain
// loop just rebuilds it rather than updating incrementally.
type LogisticScorer struct {
	mu      sync.RWMutex
	weights []float64
	bias    float64
	trained bool

	epochs       int
	learningRate float64
}

// NewLogisticScorer creates an untrained scorer.
func NewLogisticScorer() *LogisticScorer {
	return &LogisticScorer{
		epochs:       30,
		learningRate: 0.1,
	}
}

// Ready reports whether the model has been fit at least once.
func (s *LogisticScorer) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trained
}

// Predict returns the sigmoid of the linear score. An untrained model
// returns the uninformative 0.5.
func (s *LogisticScorer) Predict(features []float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained || len(features) != len(s.weights) {
		return 0.5
	}
	z := s.bias
	for i, w := range s.weights {
		z += w * features[i]
	}
	return sigmoid(z)
}

// Fit rebuilds the model from the given samples. Samples with a mismatched
// feature width are skipped. Fitting with no usable samples is a no-op.
func (s *LogisticScorer) Fit(samples []trainingSample, rng *rand.Rand) {
	usable := samples[:0:0]
	for _, sm := range samples {
		if len(sm.features) == featureDim {
			usable = append(usable, sm)
		}
	}
	if len(usable) == 0 {
		return
	}

	weights := make([]float64, featureDim)
	bias := 0.0

	order := make([]int, len(usable))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < s.epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			sm := usable[idx]
			z := bias
			for i, w := range weights {
				z += w * sm.features[i]
			}
			pred := sigmoid(z)
			grad := pred - boolTo01(sm.label)
			for i := range weights {
				weights[i] -= s.learningRate * grad * sm.features[i]
			}
			bias -= s.learningRate * grad
		}
	}

	s.mu.Lock()
	s.weights = weights
	s.bias = bias
	s.trained = true
	s.mu.Unlock()
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
