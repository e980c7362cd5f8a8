package workflows

// stringField and sliceField do best-effort extraction from a signal's
// Payload, which arrives as whatever the agent's --data JSON decoded into
// (typically map[string]interface{}). Missing or mistyped fields are
// reported via the bool return rather than panicking.
func stringField(payload interface{}, key string) (string, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func sliceField(payload interface{}, key string) ([]string, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}
