package conversation

import (
	"sort"
	"strings"
	"time"

	"pkt.systems/weft/schema"
)

// mergeTimeline flattens per-process entry lists into one chronological
// timeline. Processes are ordered by created_at with the id as a stable
// tie break, never by fetch resolution order. Coding-agent processes get
// exactly one canonical prompt entry sourced from the action; script
// processes collapse into a single tool call whose status mirrors the
// process record. Processes in loading still show their prompt plus a
// loading marker.
func mergeTimeline(processes []schema.Process, docs map[schema.ProcessID][]schema.PatchEntry, loading map[schema.ProcessID]bool) []schema.TimelineEntry {
	ordered := make([]schema.Process, len(processes))
	copy(ordered, processes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	var timeline []schema.TimelineEntry
	for _, process := range ordered {
		entries := processTimeline(process, docs[process.ID], loading[process.ID])
		for i, entry := range entries {
			timeline = append(timeline, schema.TimelineEntry{
				ProcessID:  process.ID,
				LocalIndex: i,
				Entry:      entry,
			})
		}
	}
	return timeline
}

func processTimeline(process schema.Process, entries []schema.PatchEntry, loading bool) []schema.PatchEntry {
	switch process.RunReason {
	case schema.ReasonCodingAgent:
		return agentTimeline(process, entries, loading)
	case schema.ReasonSetupScript, schema.ReasonCleanupScript:
		return scriptTimeline(process, entries)
	default:
		return nil
	}
}

// agentTimeline prepends the canonical prompt entry and filters the
// stream's own echoed user messages so the prompt appears exactly once.
func agentTimeline(process schema.Process, entries []schema.PatchEntry, loading bool) []schema.PatchEntry {
	out := make([]schema.PatchEntry, 0, len(entries)+2)
	if prompt := strings.TrimSpace(process.Prompt()); prompt != "" {
		out = append(out, schema.NormalizedEntry{
			Timestamp: process.CreatedAt.UTC().Format(time.RFC3339),
			ItemKind:  schema.KindUserMessage,
			Content:   prompt,
		})
	}
	for _, entry := range entries {
		if normalized, ok := entry.(schema.NormalizedEntry); ok && normalized.ItemKind == schema.KindUserMessage {
			continue
		}
		out = append(out, entry)
	}
	if loading && len(entries) == 0 {
		out = append(out, schema.NormalizedEntry{
			ItemKind: schema.KindLoading,
			Content:  "waiting for output",
		})
	}
	return out
}

// scriptTimeline folds every raw line into one synthetic tool call. The
// call's status and exit code come from the process record rather than
// the stream, so completion shows even when the log stream ends first.
func scriptTimeline(process schema.Process, entries []schema.PatchEntry) []schema.PatchEntry {
	var lines []string
	for _, entry := range entries {
		if raw, ok := entry.(schema.RawLine); ok {
			lines = append(lines, raw.Line)
		}
	}
	return []schema.PatchEntry{schema.NormalizedEntry{
		Timestamp: process.CreatedAt.UTC().Format(time.RFC3339),
		ItemKind:  schema.KindToolUse,
		ToolName:  scriptToolName(process),
		Content:   strings.Join(lines, "\n"),
		Status:    scriptStatus(process),
		ExitCode:  process.ExitCode,
	}}
}

func scriptToolName(process schema.Process) string {
	if script, ok := process.Action.(schema.ScriptRequest); ok && strings.TrimSpace(script.Context) != "" {
		return script.Context
	}
	return string(process.RunReason)
}

func scriptStatus(process schema.Process) schema.ToolStatus {
	switch process.Status {
	case schema.ProcessRunning:
		return schema.ToolRunning
	case schema.ProcessCompleted:
		if process.ExitCode != nil && *process.ExitCode != 0 {
			return schema.ToolFailed
		}
		return schema.ToolSuccess
	default:
		return schema.ToolFailed
	}
}

// displayProcesses filters the attempt's process set down to entries the
// timeline shows: dropped processes and dev servers are excluded.
func displayProcesses(processes []schema.Process) []schema.Process {
	out := make([]schema.Process, 0, len(processes))
	for _, process := range processes {
		if process.Dropped || !process.RunReason.DisplayEligible() {
			continue
		}
		out = append(out, process)
	}
	return out
}
