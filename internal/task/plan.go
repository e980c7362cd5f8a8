package task

import (
	"bufio"
	"fmt"
	"strings"
)

// ParsePlan parses a session's plan.md into Tasks. The format is a flat
// Markdown list:
//
//	- T1: Implement the parser
//	  Depends: T0
//	  Files: internal/parser.go, internal/parser_test.go
//	- T2: Wire the parser into the CLI
//	  Depends: T1
//
// Local ids ("T1") are rewritten to the session-qualified
// "{sessionID}_T{N}" form. ParsePlan does not itself
// reject cycles; call ValidateAcyclic on the result before trusting it.
func ParsePlan(sessionID string, content string) ([]*Task, error) {
	var tasks []*Task
	localToID := make(map[string]string)

	var current *Task
	var currentLocalDeps []string

	flush := func() {
		if current == nil {
			return
		}
		current.Dependencies = make(map[string]struct{}, len(currentLocalDeps))
		for _, d := range currentLocalDeps {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			id, ok := localToID[d]
			if !ok {
				// Forward reference to a not-yet-declared local id; its
				// qualified id is derived the same way the declaration's is.
				id = sessionID + "_" + d
			}
			current.Dependencies[id] = struct{}{}
		}
		tasks = append(tasks, current)
		current = nil
		currentLocalDeps = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "- ") {
			flush()
			rest := strings.TrimPrefix(trimmed, "- ")
			local, desc, err := splitTaskHeader(rest)
			if err != nil {
				return nil, err
			}
			id := sessionID + "_" + local
			localToID[local] = id
			current = &Task{
				ID:          id,
				SessionID:   sessionID,
				Description: desc,
				Status:      StatusPending,
			}
			continue
		}

		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "Depends:"):
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "Depends:"))
			if rest != "" {
				currentLocalDeps = append(currentLocalDeps, strings.Split(rest, ",")...)
			}
		case strings.HasPrefix(trimmed, "Files:"):
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "Files:"))
			if rest != "" {
				for _, f := range strings.Split(rest, ",") {
					f = strings.TrimSpace(f)
					if f != "" {
						current.TargetFiles = append(current.TargetFiles, f)
					}
				}
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return tasks, nil
}

func splitTaskHeader(s string) (local, description string, err error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed task header %q: expected \"Tn: description\"", s)
	}
	local = strings.TrimSpace(s[:idx])
	description = strings.TrimSpace(s[idx+1:])
	if local == "" {
		return "", "", fmt.Errorf("malformed task header %q: empty task id", s)
	}
	return local, description, nil
}

// ValidateAcyclic checks tasks' dependency edges for cycles.
func ValidateAcyclic(tasks []*Task) error {
	g := newDependencyGraph()
	for _, t := range tasks {
		g.addNode(t.ID)
	}
	for _, t := range tasks {
		for dep := range t.Dependencies {
			g.addNode(dep)
			g.addEdge(t.ID, dep)
		}
	}
	return g.validateAcyclic()
}
