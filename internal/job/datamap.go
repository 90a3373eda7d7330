package job

// DataMap is the mutable payload a JobDetail carries and a Trigger may
// augment at fire time (e.g. cluster recovery stamps the original fire
// time into it). Persistence of a job's DataMap mutations is controlled by
// JobDetail.PersistDataAfterExecution: when set, mutations are written
// back in TriggeredJobComplete; otherwise they are discarded. Whether the
// executing job sees the detail's own map or a snapshot follows
// JobDetail.ConcurrentExecutionDisallowed.
type DataMap map[string]any

// Clone returns an independent copy so callers outside the store never
// share storage with the canonical copy.
func (m DataMap) Clone() DataMap {
	if m == nil {
		return nil
	}
	out := make(DataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m DataMap) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m DataMap) GetInt(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (m DataMap) Put(key string, v any) { m[key] = v }
