package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"gantry/internal/task"
)

// ParsedTask is one task extracted from a plan artifact, before insertion.
type ParsedTask struct {
	Lane        task.Lane
	Description string
	DoD         string
	Trace       []string // source ids
	Priority    int
	Deps        []string
	Archetype   task.Archetype
	Risk        task.Risk
	ExecClass   task.ExecClass
	Signature   string
}

// Hash fingerprints a plan artifact. Content is canonicalized first so
// line-ending or trailing-whitespace churn does not defeat idempotency.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(Canonicalize(content)))
	return hex.EncodeToString(sum[:])
}

// Canonicalize normalizes CRLF to LF, strips trailing whitespace per line,
// and trims trailing blank lines.
func Canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// Signature fingerprints (lane, normalized description) for per-plan dedup.
func Signature(lane task.Lane, description string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(description), " "))
	sum := sha256.Sum256([]byte(string(lane) + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

// Parse extracts tasks from a markdown plan. Recognized shapes:
//
//	## Lane: backend              (sets the lane for following bullets)
//	- [backend] Do the thing | priority: 5 | deps: 1,2 | trace: PRO-1
//	- [ ] [qa] Checkbox form also accepted
//
// Bullet fields after the first pipe: priority, deps, dod, trace, risk,
// archetype, exec. Lane names are normalized to the canonical set.
func Parse(content string) []ParsedTask {
	var out []ParsedTask
	currentLane := task.Lane("")

	for _, raw := range strings.Split(Canonicalize(content), "\n") {
		line := strings.TrimSpace(raw)

		if lane, ok := parseLaneHeader(line); ok {
			currentLane = lane
			continue
		}

		body, ok := bulletBody(line)
		if !ok {
			continue
		}

		lane := currentLane
		if tagged, rest, ok := parseLaneTag(body); ok {
			lane = tagged
			body = rest
		}
		if lane == "" {
			continue // bullets without a lane are prose, not tasks
		}

		pt := ParsedTask{
			Lane:      lane,
			Priority:  task.PriorityNormal,
			Archetype: task.ArchetypeGeneric,
			Risk:      task.RiskLow,
			ExecClass: task.ExecParallel,
		}

		parts := strings.Split(body, "|")
		pt.Description = strings.TrimSpace(parts[0])
		if pt.Description == "" {
			continue
		}
		for _, field := range parts[1:] {
			applyField(&pt, field)
		}
		pt.Signature = Signature(pt.Lane, pt.Description)
		out = append(out, pt)
	}
	return out
}

func parseLaneHeader(line string) (task.Lane, bool) {
	lower := strings.ToLower(line)
	for _, prefix := range []string{"## lane:", "### lane:", "# lane:"} {
		if strings.HasPrefix(lower, prefix) {
			name := strings.TrimSpace(lower[len(prefix):])
			return task.NormalizeLane(name), true
		}
	}
	return "", false
}

func bulletBody(line string) (string, bool) {
	for _, prefix := range []string{"- [ ] ", "- [x] ", "- ", "* "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// parseLaneTag strips a leading [lane] tag. Checkbox brackets are handled by
// bulletBody before this runs.
func parseLaneTag(body string) (task.Lane, string, bool) {
	if !strings.HasPrefix(body, "[") {
		return "", body, false
	}
	end := strings.Index(body, "]")
	if end < 1 {
		return "", body, false
	}
	name := strings.ToLower(strings.TrimSpace(body[1:end]))
	if name == "" {
		return "", body, false
	}
	return task.NormalizeLane(name), strings.TrimSpace(body[end+1:]), true
}

func applyField(pt *ParsedTask, field string) {
	key, value, found := strings.Cut(field, ":")
	if !found {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case "priority", "p":
		pt.Priority = parsePriority(value)
	case "deps", "dependencies":
		for _, d := range strings.Split(value, ",") {
			if d = strings.TrimSpace(d); d != "" {
				pt.Deps = append(pt.Deps, d)
			}
		}
	case "dod":
		pt.DoD = value
	case "trace", "sources":
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				pt.Trace = append(pt.Trace, s)
			}
		}
	case "risk":
		switch strings.ToUpper(value) {
		case "MEDIUM":
			pt.Risk = task.RiskMedium
		case "HIGH":
			pt.Risk = task.RiskHigh
		}
	case "archetype", "kind":
		a := task.Archetype(strings.ToUpper(value))
		switch a {
		case task.ArchetypePlumbing, task.ArchetypeLogic, task.ArchetypeSec,
			task.ArchetypeAPI, task.ArchetypeDB, task.ArchetypeUI, task.ArchetypeTest:
			pt.Archetype = a
		}
	case "exec", "exec_class":
		if strings.EqualFold(value, string(task.ExecExclusive)) {
			pt.ExecClass = task.ExecExclusive
		}
	}
}

func parsePriority(value string) int {
	switch strings.ToUpper(value) {
	case "URGENT":
		return task.PriorityUrgent
	case "HIGH":
		return task.PriorityHigh
	case "NORMAL":
		return task.PriorityNormal
	}
	v := strings.TrimPrefix(strings.ToUpper(value), "P")
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return n
	}
	return task.PriorityNormal
}
