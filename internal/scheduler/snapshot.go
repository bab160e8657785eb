package scheduler

import "sort"

// Snapshot returns a read-only view of scheduled tasks and recent fires.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tasks := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		spec := t.spec
		if spec == "" && t.every > 0 {
			spec = t.every.String()
		}
		tasks = append(tasks, TaskInfo{
			ID:    t.id,
			Name:  t.name,
			Kind:  t.kind,
			Spec:  spec,
			Next:  t.next,
			Fires: t.fires,
		})
	}
	tz := s.loc.String()
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Next.Before(tasks[j].Next) })

	s.hmu.Lock()
	hist := make([]FireRecord, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{Timezone: tz, Tasks: tasks, History: hist}
}
