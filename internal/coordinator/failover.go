package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/depot/internal/cluster"
	"github.com/dreamware/depot/internal/wire"
)

// FailoverReport summarizes one failover or repair pass.
type FailoverReport struct {
	Checked       int `json:"checked"`
	Moved         int `json:"moved"`
	Unrecoverable int `json:"unrecoverable"`
	Failed        int `json:"failed"`
}

// handleUnreachable runs one redistribution pass for a node that just
// crossed the failure threshold. A pass already in flight for the node
// makes this a no-op.
func (s *Service) handleUnreachable(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.failovers.Add(1)
	s.mu.Unlock()
	defer s.failovers.Done()

	if !s.registry.BeginRecovery(id) {
		return
	}
	defer s.registry.EndRecovery(id)

	report := s.redistribute(s.ctx, id)
	s.log.Info("failover pass finished",
		zap.String("node", id),
		zap.Int("files", report.Checked),
		zap.Int("moved", report.Moved),
		zap.Int("unrecoverable", report.Unrecoverable),
		zap.Int("failed", report.Failed))
}

// redistribute copies every file the directory attributes to the failed node
// from a surviving holder onto a reachable node that does not hold it yet,
// then swaps the failed address for the new one.
func (s *Service) redistribute(ctx context.Context, failedID string) FailoverReport {
	var report FailoverReport
	failedAddr, ok := s.registry.Addr(failedID)
	if !ok {
		return report
	}

	for _, key := range s.directory.KeysHeldBy(failedAddr) {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		department, filename, err := cluster.SplitFileKey(key)
		if err != nil {
			continue
		}

		holders := s.directory.Get(key)
		survivors := s.ids(without(holders, failedAddr))
		data := s.recoverBytes(ctx, survivors, department, filename)
		if data == nil {
			report.Unrecoverable++
			s.metrics.FailoverFiles.WithLabelValues("unrecoverable").Inc()
			s.log.Error("file unrecoverable, no surviving replica",
				zap.String("key", key), zap.String("failed_node", failedID))
			continue
		}

		exclude := append(s.ids(holders), failedID)
		target, ok := s.balancer.Select(exclude...)
		if !ok {
			report.Failed++
			s.metrics.FailoverFiles.WithLabelValues("no_target").Inc()
			s.log.Warn("no node available for replacement replica", zap.String("key", key))
			continue
		}

		if err := s.throttle(ctx, len(data)); err != nil {
			break
		}
		if !s.put(ctx, target, wire.CmdAdd, department, filename, data) {
			report.Failed++
			s.metrics.FailoverFiles.WithLabelValues("failed").Inc()
			continue
		}

		targetAddr, _ := s.registry.Addr(target)
		s.directory.Replace(key, failedAddr, targetAddr)
		report.Moved++
		s.metrics.FailoverFiles.WithLabelValues("moved").Inc()
		s.log.Info("replica moved", zap.String("key", key),
			zap.String("from", failedID), zap.String("to", target))
	}
	return report
}

// recoverBytes returns the first non-empty copy served by a reachable node
// in candidates.
func (s *Service) recoverBytes(ctx context.Context, candidates []string, department, filename string) []byte {
	for _, id := range s.balancer.Rank(candidates) {
		data, err := s.fetchFrom(ctx, id, department, filename)
		if err == nil && len(data) > 0 {
			return data
		}
	}
	return nil
}

// throttle waits until n bytes may be pushed.
func (s *Service) throttle(ctx context.Context, n int) error {
	if s.limiter == nil {
		return nil
	}
	burst := s.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := s.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Repair tops up every file whose reachable holders number fewer than the
// replication target, copying from a surviving holder. Stale unreachable
// holders stay listed.
func (s *Service) Repair(ctx context.Context) (FailoverReport, error) {
	var report FailoverReport
	want := s.replicas()
	if want == 0 {
		return report, ErrNoReachableNodes
	}

	for key, holders := range s.directory.Snapshot() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		live := s.balancer.Rank(s.ids(holders))
		if len(live) >= want {
			continue
		}
		report.Checked++
		department, filename, err := cluster.SplitFileKey(key)
		if err != nil {
			continue
		}

		data := s.recoverBytes(ctx, live, department, filename)
		if data == nil {
			report.Unrecoverable++
			s.metrics.FailoverFiles.WithLabelValues("unrecoverable").Inc()
			s.log.Warn("cannot repair file, no reachable replica", zap.String("key", key))
			continue
		}

		exclude := s.ids(holders)
		for len(live) < want {
			target, ok := s.balancer.Select(exclude...)
			if !ok {
				report.Failed++
				break
			}
			exclude = append(exclude, target)
			if err := s.throttle(ctx, len(data)); err != nil {
				return report, err
			}
			if !s.put(ctx, target, wire.CmdAdd, department, filename, data) {
				continue
			}
			addr, _ := s.registry.Addr(target)
			s.directory.Add(key, addr)
			live = append(live, target)
			report.Moved++
			s.metrics.FailoverFiles.WithLabelValues("repaired").Inc()
		}
	}

	s.log.Info("repair pass finished",
		zap.Int("files", report.Checked),
		zap.Int("repaired", report.Moved),
		zap.Int("unrecoverable", report.Unrecoverable))
	return report, nil
}

func without(addrs []string, drop string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != drop {
			out = append(out, a)
		}
	}
	return out
}
