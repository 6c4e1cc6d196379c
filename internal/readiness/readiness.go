// Package readiness scores the three project documents (PRD, SPEC,
// DECISION_LOG) and gates strategic operations behind EXECUTION status.
//
// The gate is a safety belt, not a load-bearing correctness check: any read
// error fails open to EXECUTION so diagnostics are never broken. Only a
// successful BOOTSTRAP scoring blocks.
package readiness

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gantry/internal/logging"
)

// Statuses returned by the gate.
const (
	StatusBootstrap = "BOOTSTRAP"
	StatusExecution = "EXECUTION"
)

// Document file names, fixed relative to the configured docs dir.
const (
	FilePRD         = "PRD.md"
	FileSpec        = "SPEC.md"
	FileDecisionLog = "DECISION_LOG.md"
)

// Scoring constants.
const (
	pointsExists       = 10
	pointsSubstance    = 20 // non-stub + word count, PRD/SPEC only
	pointsPerSection   = 10
	sectionCap         = 50
	pointsBullets      = 20
	wordThreshold      = 120
	bulletThreshold    = 8
	decisionScoreCap   = 40
	templateSimilarity = 0.85
)

var requiredSections = map[string][]string{
	FilePRD:         {"Problem", "Goals", "Users", "Requirements", "Success Metrics"},
	FileSpec:        {"Architecture", "Data Model", "Interfaces", "Error Handling", "Testing"},
	FileDecisionLog: {"Decision Log"},
}

// Thresholds for each document.
type Thresholds struct {
	PRD         int `json:"prd"`
	Spec        int `json:"spec"`
	DecisionLog int `json:"decision_log"`
}

// FileScore is one document's result.
type FileScore struct {
	Exists bool `json:"exists"`
	Score  int  `json:"score"`
	Passed bool `json:"passed"`
}

// Result is the gate's output.
type Result struct {
	Status        string                `json:"status"`
	Files         map[string]*FileScore `json:"files"`
	BlockingFiles []string              `json:"blocking_files"`
	Thresholds    Thresholds            `json:"thresholds"`
}

// Gate scores the documents under a directory. Pure and deterministic over
// the file contents.
type Gate struct {
	docsDir    string
	thresholds Thresholds
}

// NewGate creates a gate over docsDir with the given thresholds.
func NewGate(docsDir string, t Thresholds) *Gate {
	return &Gate{docsDir: docsDir, thresholds: t}
}

// Check scores all three documents and derives the status.
func (g *Gate) Check() *Result {
	log := logging.Get(logging.CategoryReadiness)
	res := &Result{
		Status:     StatusExecution,
		Files:      make(map[string]*FileScore),
		Thresholds: g.thresholds,
	}

	checks := []struct {
		name      string
		threshold int
	}{
		{FilePRD, g.thresholds.PRD},
		{FileSpec, g.thresholds.Spec},
		{FileDecisionLog, g.thresholds.DecisionLog},
	}

	for _, c := range checks {
		score, exists, err := g.scoreFile(c.name)
		if err != nil {
			// Fail open: a broken read must never block diagnostics.
			log.Warn("read error on %s, failing open: %v", c.name, err)
			return &Result{Status: StatusExecution, Files: map[string]*FileScore{}, Thresholds: g.thresholds}
		}
		fs := &FileScore{Exists: exists, Score: score, Passed: score >= c.threshold}
		res.Files[c.name] = fs
		if !fs.Passed {
			res.BlockingFiles = append(res.BlockingFiles, c.name)
		}
	}

	if len(res.BlockingFiles) > 0 {
		res.Status = StatusBootstrap
	}
	log.Debug("readiness: %s (blocking: %v)", res.Status, res.BlockingFiles)
	return res
}

func (g *Gate) scoreFile(name string) (score int, exists bool, err error) {
	data, err := os.ReadFile(filepath.Join(g.docsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	content := string(data)

	if name == FileDecisionLog {
		return scoreDecisionLog(content), true, nil
	}
	return scoreDocument(name, content), true, nil
}

func scoreDocument(name, content string) int {
	score := pointsExists

	if !strings.Contains(content, stubMarker) && wordCount(content) > wordThreshold {
		score += pointsSubstance
	}

	sections := 0
	for _, header := range requiredSections[name] {
		if hasSection(content, header) {
			sections += pointsPerSection
		}
	}
	if sections > sectionCap {
		sections = sectionCap
	}
	score += sections

	if bulletCount(content) > bulletThreshold {
		score += pointsBullets
	}
	return score
}

// scoreDecisionLog applies the specialized rule: the score is capped at 40
// unless at least one row beyond the bootstrap INIT row exists and the
// document has drifted from the shipped template.
func scoreDecisionLog(content string) int {
	score := pointsExists
	for _, header := range requiredSections[FileDecisionLog] {
		if hasSection(content, header) {
			score += pointsPerSection
		}
	}

	extraRows := decisionRows(content)
	if extraRows > 0 {
		score += pointsBullets
	}
	if extraRows > bulletThreshold {
		score += pointsBullets
	}

	if extraRows == 0 || lineSimilarity(content, DecisionLogTemplate) > templateSimilarity {
		if score > decisionScoreCap {
			score = decisionScoreCap
		}
		// A log still sitting at its template cannot demonstrate decisions.
		if extraRows == 0 {
			score = min(score, pointsExists+pointsPerSection)
		}
	}
	return score
}

var tableRowRe = regexp.MustCompile(`^\|\s*[^|\s]`)

// decisionRows counts data rows beyond the header, separator, and INIT row.
func decisionRows(content string) int {
	rows := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !tableRowRe.MatchString(trimmed) {
			continue
		}
		if strings.HasPrefix(trimmed, "| ID") || strings.HasPrefix(trimmed, "|--") ||
			strings.HasPrefix(trimmed, "|-") || strings.Contains(trimmed, "----") {
			continue
		}
		if strings.Contains(trimmed, "INIT") {
			continue
		}
		rows++
	}
	return rows
}

func wordCount(content string) int {
	return len(strings.Fields(content))
}

func bulletCount(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			n++
		}
	}
	return n
}

func hasSection(content, header string) bool {
	lower := strings.ToLower(content)
	h := strings.ToLower(header)
	return strings.Contains(lower, "# "+h) || strings.Contains(lower, "## "+h)
}

// lineSimilarity is the Jaccard index over trimmed non-empty lines.
func lineSimilarity(a, b string) float64 {
	setA := lineSet(a)
	setB := lineSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	inter := 0
	for line := range setA {
		if setB[line] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

func lineSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out[trimmed] = true
		}
	}
	return out
}
