package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/metrics"
)

// saveRequest is an async agent-record upsert.
type saveRequest struct {
	rec      *AgentRecord
	callback func(error)
}

// QueueSaveAgent enqueues an agent-record upsert. Used for worker
// heartbeats where call-order durability matters less than not
// blocking the caller. Falls back to a synchronous write when the
// queue is full so updates are never dropped.
func (s *Store) QueueSaveAgent(rec *AgentRecord, callback func(error)) {
	req := saveRequest{rec: rec.Clone(), callback: callback}
	select {
	case s.writeQueue <- req:
		metrics.StoreQueueDepth.Set(float64(len(s.writeQueue)))
	default:
		s.logger.Warn("Store write queue full, falling back to synchronous write",
			zap.String("agent_id", rec.ID))
		s.processSave(req)
	}
}

func (s *Store) startWorkers(n int) {
	for i := 0; i < n; i++ {
		s.workerWg.Add(1)
		go s.saveWorker(i)
	}
}

func (s *Store) saveWorker(id int) {
	defer s.workerWg.Done()
	s.logger.Debug("Store write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			s.logger.Debug("Store write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-s.writeQueue:
			s.processSave(req)
			metrics.StoreQueueDepth.Set(float64(len(s.writeQueue)))
		}
	}
}

func (s *Store) processSave(req saveRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.SaveAgent(ctx, req.rec)
	if req.callback != nil {
		req.callback(err)
	}
	if err != nil {
		s.logger.Error("Failed to process queued agent save",
			zap.String("agent_id", req.rec.ID),
			zap.Error(err),
		)
	}
}

// drainQueue flushes remaining requests during shutdown.
func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-s.writeQueue:
			s.processSave(req)
		case <-timeout:
			s.logger.Warn("Timeout draining store write queue")
			return
		default:
			return
		}
	}
}
