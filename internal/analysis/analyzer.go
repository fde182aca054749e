// Package analysis mines the task history for improvement opportunities:
// recurring failures, slow tools, unserved requests, and repeated tool
// sequences worth automating.
package analysis

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"selfpatch/internal/history"
	"selfpatch/internal/logging"
)

const (
	// DefaultWindow bounds how far back the analyzer looks.
	DefaultWindow = 7 * 24 * time.Hour

	// minLatencySamples is the minimum record count before the latency
	// heuristic produces anything.
	minLatencySamples = 10

	// slowFactor marks a task as slow when its duration exceeds this
	// multiple of the mean successful duration.
	slowFactor = 3
)

// Analyzer detects improvement opportunities in recorded task history.
type Analyzer struct {
	recorder *history.Recorder
	window   time.Duration
	log      *logging.Logger
}

// NewAnalyzer creates an analyzer over the given recorder.
func NewAnalyzer(recorder *history.Recorder) *Analyzer {
	return &Analyzer{
		recorder: recorder,
		window:   DefaultWindow,
		log:      logging.Get(logging.CategoryAnalysis),
	}
}

// SetWindow overrides the analysis window.
func (a *Analyzer) SetWindow(w time.Duration) {
	if w > 0 {
		a.window = w
	}
}

// Analyze runs every heuristic over the recent history and returns
// opportunities sorted by priority, highest first. Ordering within a
// priority is stable (detection order).
func (a *Analyzer) Analyze() []Opportunity {
	timer := logging.StartTimer(logging.CategoryAnalysis, "analyze")
	defer timer.Stop()

	records := a.recorder.Recent(a.window)
	now := time.Now()

	var opps []Opportunity
	opps = append(opps, a.findFailurePatterns(records, now)...)
	opps = append(opps, a.findCapabilityGaps(records, now)...)
	opps = append(opps, a.findSlowTools(records, now)...)
	opps = append(opps, a.findRecurringSequences(records, now)...)

	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].Priority > opps[j].Priority
	})

	a.log.Info("analyzed %d records, found %d opportunities", len(records), len(opps))
	return opps
}

// findFailurePatterns clusters failed tasks by normalized error message.
// Two or more occurrences of the same error is an opportunity, with
// priority rising with the cluster size: min(10, 5+count).
func (a *Analyzer) findFailurePatterns(records []history.TaskRecord, now time.Time) []Opportunity {
	groups := make(map[string][]history.TaskRecord)
	var order []string

	for _, rec := range records {
		if rec.Success || rec.ErrorMessage == "" {
			continue
		}
		key := normalizeError(rec.ErrorMessage)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var opps []Opportunity
	for _, key := range order {
		cluster := groups[key]
		if len(cluster) < 2 {
			continue
		}

		priority := 5 + len(cluster)
		if priority > 10 {
			priority = 10
		}

		tools := toolSet(cluster)
		opps = append(opps, Opportunity{
			ID:          fmt.Sprintf("fix-%04d", shortHash(key)),
			Type:        TypeFixFailure,
			Description: fmt.Sprintf("Recurring failure (%d occurrences): %s", len(cluster), truncate(key, 120)),
			Priority:    priority,
			Context: map[string]interface{}{
				"error_message":    key,
				"occurrence_count": len(cluster),
				"sample_requests":  sampleRequests(cluster, 3),
				"tools_involved":   tools,
			},
			DetectedAt: now,
		})
	}
	return opps
}

// findCapabilityGaps groups "not found"/"not supported" failures by request
// prefix. Two or more similar unserved requests suggest a missing capability.
func (a *Analyzer) findCapabilityGaps(records []history.TaskRecord, now time.Time) []Opportunity {
	groups := make(map[string][]history.TaskRecord)
	var order []string

	for _, rec := range records {
		if rec.Success || !isCapabilityGap(rec.ErrorMessage) {
			continue
		}
		key := requestKey(rec.Request)
		if key == "" {
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var opps []Opportunity
	for _, key := range order {
		cluster := groups[key]
		if len(cluster) < 2 {
			continue
		}
		opps = append(opps, Opportunity{
			ID:          fmt.Sprintf("capability-%04d", shortHash(key)),
			Type:        TypeNewCapability,
			Description: fmt.Sprintf("Unserved request pattern (%d occurrences): %s", len(cluster), key),
			Priority:    7,
			Context: map[string]interface{}{
				"request_prefix":  key,
				"request_count":   len(cluster),
				"sample_requests": sampleRequests(cluster, 3),
			},
			DetectedAt: now,
		})
	}
	return opps
}

// findSlowTools flags tools whose tasks repeatedly run far slower than the
// mean successful task. Needs a minimum sample size to avoid noise.
func (a *Analyzer) findSlowTools(records []history.TaskRecord, now time.Time) []Opportunity {
	if len(records) < minLatencySamples {
		return nil
	}

	var total int64
	var successes int
	for _, rec := range records {
		if rec.Success {
			total += rec.DurationMS
			successes++
		}
	}
	if successes == 0 {
		return nil
	}
	mean := total / int64(successes)
	if mean <= 0 {
		return nil
	}
	threshold := mean * slowFactor

	// Group slow successful tasks under every tool they used; a failed
	// task's duration says nothing about tool speed.
	durations := make(map[string][]int64)
	var order []string
	for _, rec := range records {
		if !rec.Success || rec.DurationMS <= threshold {
			continue
		}
		for _, tool := range rec.ToolsUsed {
			if _, seen := durations[tool]; !seen {
				order = append(order, tool)
			}
			durations[tool] = append(durations[tool], rec.DurationMS)
		}
	}

	var opps []Opportunity
	for _, tool := range order {
		ds := durations[tool]
		if len(ds) < 2 {
			continue
		}
		var sum int64
		for _, d := range ds {
			sum += d
		}
		avg := sum / int64(len(ds))
		opps = append(opps, Opportunity{
			ID:          fmt.Sprintf("optimize-%s", truncate(tool, 20)),
			Type:        TypeOptimizeSpeed,
			Description: fmt.Sprintf("Tool %q is slow: %d runs averaging %dms (mean task: %dms)", tool, len(ds), avg, mean),
			Priority:    6,
			Context: map[string]interface{}{
				"tool_name":        tool,
				"avg_duration_ms":  avg,
				"mean_duration_ms": mean,
				"occurrence_count": len(ds),
			},
			DetectedAt: now,
		})
	}
	return opps
}

// findRecurringSequences detects multi-tool sequences that repeat often
// enough to be worth turning into a single operation.
func (a *Analyzer) findRecurringSequences(records []history.TaskRecord, now time.Time) []Opportunity {
	counts := make(map[string]int)
	var order []string

	for _, rec := range records {
		if len(rec.ToolsUsed) < 2 {
			continue
		}
		seq := strings.Join(rec.ToolsUsed, ",")
		if _, seen := counts[seq]; !seen {
			order = append(order, seq)
		}
		counts[seq]++
	}

	var opps []Opportunity
	for _, seq := range order {
		n := counts[seq]
		if n < 3 {
			continue
		}
		opps = append(opps, Opportunity{
			ID:          fmt.Sprintf("automate-%04d", shortHash(seq)),
			Type:        TypeAutomatePattern,
			Description: fmt.Sprintf("Tool sequence [%s] recurred %d times", seq, n),
			Priority:    5,
			Context: map[string]interface{}{
				"tool_sequence":    strings.Split(seq, ","),
				"occurrence_count": n,
			},
			DetectedAt: now,
		})
	}
	return opps
}

// normalizeError collapses an error message to a stable cluster key.
func normalizeError(msg string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(msg))), " ")
}

// isCapabilityGap reports whether a failure message indicates a request
// the agent could not serve at all, rather than an execution error.
func isCapabilityGap(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") ||
		strings.Contains(m, "not supported") ||
		strings.Contains(m, "no such tool") ||
		strings.Contains(m, "unknown command")
}

// requestKey groups similar requests by a lowercased 50-char prefix.
func requestKey(request string) string {
	key := strings.ToLower(strings.TrimSpace(request))
	if len(key) > 50 {
		key = key[:50]
	}
	return key
}

// shortHash maps a string onto a stable 4-digit id component.
func shortHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32() % 10000
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func toolSet(records []history.TaskRecord) []string {
	seen := make(map[string]bool)
	var tools []string
	for _, rec := range records {
		for _, t := range rec.ToolsUsed {
			if !seen[t] {
				seen[t] = true
				tools = append(tools, t)
			}
		}
	}
	return tools
}

func sampleRequests(records []history.TaskRecord, n int) []string {
	var out []string
	for _, rec := range records {
		if len(out) >= n {
			break
		}
		out = append(out, truncate(rec.Request, 100))
	}
	return out
}
