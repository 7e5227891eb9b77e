package queuemgr

import (
	"encoding/json"
	"fmt"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

const bucketHistory = "job_history"

// recordHistoryLocked appends a finished job to the history bucket for
// cqhist. Must be called with m.mu held, after the job reached done.
// History writes are best effort; a storage error never fails the
// transition that produced it.
func (m *Manager) recordHistoryLocked(j *types.Job) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(j)
	if err != nil {
		m.logger.Error().Err(err).Int("jobid", j.JobID).Msg("marshal history record failed")
		return
	}
	if err := m.store.Put(bucketHistory, fmt.Sprintf("%012d", j.JobID), data); err != nil {
		m.logger.Error().Err(err).Int("jobid", j.JobID).Msg("write history record failed")
	}
}

// GetHistory implements get_history: finished jobs matching specs, in
// jobid order (the bucket key is the zero-padded jobid).
func (m *Manager) GetHistory(specs []rpc.Spec) ([]*types.Job, error) {
	if m.store == nil {
		return nil, nil
	}
	var out []*types.Job
	err := m.store.ForEach(bucketHistory, func(key string, value []byte) error {
		var j types.Job
		if err := json.Unmarshal(value, &j); err != nil {
			return fmt.Errorf("decode history record %s: %w", key, err)
		}
		for _, spec := range specs {
			if rpc.Match(spec, &j, jobFields) {
				out = append(out, &j)
				break
			}
		}
		return nil
	})
	return out, err
}
