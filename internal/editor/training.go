package editor

import (
	"math"

	"github.com/23skdu/longbow-steer/internal/logger"
)

type EpochStats struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
}

// TrainingRun summarises Editor.Fit.
type TrainingRun struct {
	EditorType   string       `json:"editor_type"`
	Layer        int          `json:"layer"`
	TrainSamples int          `json:"train_samples"`
	ValSamples   int          `json:"val_samples"`
	Epochs       []EpochStats `json:"epochs,omitempty"`
	BestEpoch    int          `json:"best_epoch"`
	BestValLoss  float64      `json:"best_val_loss"`
	EarlyStopped bool         `json:"early_stopped"`
}

// epochRunner is one trainable editor as seen by runTraining.
type epochRunner interface {
	// runEpoch returns the mean train and validation losses. Epoch 0
	// measures the untrained editor and takes no optimizer steps.
	runEpoch(epoch int) (train, val float64, err error)
	snapshot() State
	restore(State) error
}

type earlyStopping struct {
	patience int
	bad      int
	best     float64
	improved bool
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, best: math.Inf(1)}
}

// step records a validation loss and reports whether training should stop.
func (s *earlyStopping) step(loss float64) bool {
	s.improved = loss < s.best
	if s.improved {
		s.best = loss
		s.bad = 0
	} else {
		s.bad++
	}
	return s.bad >= s.patience
}

// runTraining runs epochs 0..maxEpochs, stopping once the validation loss
// has failed to improve patience times in a row, and leaves r holding the
// parameters of its best validation epoch.
func runTraining(r epochRunner, maxEpochs, patience int) (*TrainingRun, error) {
	stopper := newEarlyStopping(patience)
	best := r.snapshot()
	run := &TrainingRun{BestValLoss: math.Inf(1)}
	for epoch := 0; epoch <= maxEpochs; epoch++ {
		train, val, err := r.runEpoch(epoch)
		if err != nil {
			return nil, err
		}
		run.Epochs = append(run.Epochs, EpochStats{Epoch: epoch, TrainLoss: train, ValLoss: val})
		logger.Log.Info("epoch done", "epoch", epoch, "max_epochs", maxEpochs, "train_loss", train, "val_loss", val, "best", stopper.best)

		if stopper.step(val) {
			run.EarlyStopped = true
			logger.Log.Info("early stopping", "epoch", epoch, "best_epoch", run.BestEpoch)
			break
		}
		if stopper.improved {
			best = r.snapshot()
			run.BestEpoch = epoch
			run.BestValLoss = val
		}
	}
	if err := r.restore(best); err != nil {
		return nil, err
	}
	return run, nil
}
