// Package scheduler fires ingestion runs on a cron schedule. A tick that
// collides with an already-active run is logged and skipped; the next tick
// tries again.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/orchestrator"
	"github.com/username/flexledger/backend/src/store"
)

// IngestionTrigger is the slice of the orchestrator the scheduler needs.
type IngestionTrigger interface {
	RunIngestion(runType string) (*orchestrator.RunResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	trigger IngestionTrigger
}

// New builds a scheduler from a standard 5-field cron expression. An invalid
// expression is a configuration error and fails startup.
func New(schedule string, trigger IngestionTrigger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		trigger: trigger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("error parsing ingestion schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runOnce() {
	result, err := s.trigger.RunIngestion(models.RunTypeScheduled)
	if err != nil {
		if errors.Is(err, store.ErrRunAlreadyActive) {
			if logger.L != nil {
				logger.L.Warn("Scheduled ingestion skipped, another run is active")
			}
			return
		}
		if logger.L != nil {
			logger.L.Error("Scheduled ingestion failed to start", "error", err)
		}
		return
	}
	if logger.L != nil {
		logger.L.Info("Scheduled ingestion finished", "runId", result.RunID, "status", result.Status)
	}
}
