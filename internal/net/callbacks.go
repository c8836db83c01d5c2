package net

import (
	"log"
	"math"

	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
	"github.com/FlavioCFOliveira/shapecnn/internal/store"
)

// Callback defines the interface for training callbacks.
type Callback interface {
	OnTrainBegin(c *Classifier)
	OnTrainEnd(c *Classifier)
	OnEpochBegin(epoch int, c *Classifier)
	OnEpochEnd(epoch int, cost float64, c *Classifier)
	OnBatchBegin(batch int, c *Classifier)
	OnBatchEnd(batch int, cost float64, c *Classifier)
}

// SchedulerCallback is a callback that wraps a learning rate scheduler.
type SchedulerCallback struct {
	BaseCallback
	scheduler opt.Scheduler
}

func NewSchedulerCallback(scheduler opt.Scheduler) *SchedulerCallback {
	return &SchedulerCallback{scheduler: scheduler}
}

func (s *SchedulerCallback) OnEpochEnd(epoch int, cost float64, c *Classifier) {
	s.scheduler.Step()
	s.scheduler.StepWithLoss(cost)
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(c *Classifier)                        {}
func (BaseCallback) OnTrainEnd(c *Classifier)                          {}
func (BaseCallback) OnEpochBegin(epoch int, c *Classifier)             {}
func (BaseCallback) OnEpochEnd(epoch int, cost float64, c *Classifier) {}
func (BaseCallback) OnBatchBegin(batch int, c *Classifier)             {}
func (BaseCallback) OnBatchEnd(batch int, cost float64, c *Classifier) {}

// EarlyStopping stops training when the epoch cost has stopped improving.
type EarlyStopping struct {
	BaseCallback
	Patience  int
	Threshold float64

	bestCost     float64
	numBadEpochs int
	Stopped      bool
}

func NewEarlyStopping(patience int, threshold float64) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		Threshold: threshold,
		bestCost:  math.MaxFloat64,
	}
}

func (e *EarlyStopping) OnTrainBegin(c *Classifier) {
	e.bestCost = math.MaxFloat64
	e.numBadEpochs = 0
	e.Stopped = false
}

func (e *EarlyStopping) OnEpochEnd(epoch int, cost float64, c *Classifier) {
	if cost < e.bestCost-e.Threshold {
		e.bestCost = cost
		e.numBadEpochs = 0
	} else {
		e.numBadEpochs++
	}

	if e.numBadEpochs >= e.Patience {
		log.Printf("epoch=%d early stopping: cost %.6f did not improve for %d epochs", epoch, cost, e.Patience)
		e.Stopped = true
		c.Stop()
	}
}

// ModelCheckpoint stores the weights after every epoch that improves the cost.
type ModelCheckpoint struct {
	BaseCallback
	Store store.Store

	bestCost float64
	// Err holds the last store failure; checkpointing never aborts training.
	Err error
}

func NewModelCheckpoint(s store.Store) *ModelCheckpoint {
	return &ModelCheckpoint{
		Store:    s,
		bestCost: math.MaxFloat64,
	}
}

func (m *ModelCheckpoint) OnEpochEnd(epoch int, cost float64, c *Classifier) {
	if cost >= m.bestCost {
		return
	}
	m.bestCost = cost
	if err := c.StoreWeightsTo(m.Store); err != nil {
		m.Err = err
		log.Printf("epoch=%d checkpoint failed: %v", epoch, err)
		return
	}
	log.Printf("epoch=%d checkpoint saved: cost %.6f is new best", epoch, cost)
}

// Logger logs the mean cost of every Interval-th epoch.
type Logger struct {
	BaseCallback
	Interval int
}

func (l Logger) OnEpochEnd(epoch int, cost float64, c *Classifier) {
	if l.Interval > 0 && epoch%l.Interval == 0 {
		log.Printf("epoch=%d mean_cost=%.6f", epoch, cost)
	}
}
