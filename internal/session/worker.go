package session

import (
	"context"
	"errors"
	"fmt"
)

// SaveJob is a save running on a background goroutine
type SaveJob struct {
	cancel context.CancelFunc
	done   chan struct{}

	report *SaveReport
	err    error
}

// SaveAsync starts Save on a worker goroutine. Cancelling the job (or ctx)
// abandons the save and puts the pre-save backup back in place; staged
// changes stay pending in the session.
func (s *Session) SaveAsync(ctx context.Context, currentText string) *SaveJob {
	ctx, cancel := context.WithCancel(ctx)
	job := &SaveJob{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(job.done)
		defer cancel()

		// the restore shares the save's critical section, so no other save
		// sees the partly updated archive
		s.mu.Lock()
		defer s.mu.Unlock()

		report, err := s.save(ctx, currentText)
		if err != nil && errors.Is(err, context.Canceled) && report != nil && report.BackupPath != "" {
			if rerr := s.restoreArchive(report.BackupPath); rerr != nil {
				err = errors.Join(err, rerr)
			} else {
				err = fmt.Errorf("save cancelled, project restored from %s: %w", report.BackupPath, err)
			}
		}
		job.report, job.err = report, err
	}()

	return job
}

// Cancel abandons the save
func (j *SaveJob) Cancel() { j.cancel() }

// Done is closed when the job has finished
func (j *SaveJob) Done() <-chan struct{} { return j.done }

// Wait blocks until the job has finished and returns its result
func (j *SaveJob) Wait() (*SaveReport, error) {
	<-j.done
	return j.report, j.err
}
