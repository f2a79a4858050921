package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/ayusman/signstream/internal/feature"
	"github.com/ayusman/signstream/internal/sequence"
)

// ErrModelUnavailable is returned by Unavailable.
var ErrModelUnavailable = errors.New("model unavailable")

// Model is the external sequence classifier. It receives one full window,
// oldest frame first, and returns a probability per vocabulary entry.
type Model interface {
	Predict(ctx context.Context, window []feature.Vector) ([]float64, error)
}

// Unavailable is the Model used when no model could be loaded. Every call fails.
type Unavailable struct{}

// Predict implements Model.
func (Unavailable) Predict(context.Context, []feature.Vector) ([]float64, error) {
	return nil, ErrModelUnavailable
}

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 2 * time.Second

// Dispatcher turns a window into a Prediction. It owns the sentinel policy:
// a window that is not full yields LOADING_SEQUENCE without calling the
// model, and any model failure yields ERROR_PREDICTION. Classify never
// returns an error.
//
// The model, vocabulary and scaler are fixed at construction.
type Dispatcher struct {
	model   Model
	vocab   Vocabulary
	scaler  *Scaler
	timeout time.Duration
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher. scaler may be nil. A timeout <= 0 means
// DefaultTimeout.
func NewDispatcher(model Model, vocab Vocabulary, scaler *Scaler, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if model == nil {
		model = Unavailable{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		model:   model,
		vocab:   vocab,
		scaler:  scaler,
		timeout: timeout,
		log:     log.WithField("component", "classifier"),
		now:     time.Now,
	}
}

// Vocabulary returns the labels the dispatcher can produce.
func (d *Dispatcher) Vocabulary() Vocabulary {
	return d.vocab
}

// Classify evaluates the whole window. The window itself is not modified.
func (d *Dispatcher) Classify(ctx context.Context, w *sequence.Window) Prediction {
	ts := d.now()
	if !w.IsReady() {
		return Sentinel(LoadingSequence, ts)
	}

	label, confidence, err := d.predict(ctx, w.Snapshot())
	if err != nil {
		d.log.WithError(err).Warn("classification failed")
		return Sentinel(ErrorPrediction, ts)
	}
	return Prediction{Label: label, Confidence: confidence, Timestamp: ts}
}

func (d *Dispatcher) predict(ctx context.Context, window []feature.Vector) (label string, confidence float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	probs, err := d.model.Predict(ctx, d.scaler.Transform(window))
	if err != nil {
		return "", 0, err
	}
	return d.interpret(probs)
}

// interpret takes the arg-max of probs and maps it to a label.
func (d *Dispatcher) interpret(probs []float64) (string, float64, error) {
	if len(probs) == 0 {
		return "", 0, errors.New("model returned no probabilities")
	}
	for _, p := range probs {
		if math.IsNaN(p) {
			return "", 0, errors.New("model returned NaN")
		}
	}

	idx := floats.MaxIdx(probs)
	label, ok := d.vocab.Lookup(idx)
	if !ok {
		return "", 0, fmt.Errorf("class %d outside vocabulary of %d", idx, len(d.vocab))
	}

	confidence := math.Max(0, math.Min(1, probs[idx]))
	return label, confidence, nil
}
