package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

var (
	priorityPattern = regexp.MustCompile(`priority=(\d+)`)
	packetsPattern  = regexp.MustCompile(`n_packets=(\d+)`)
	bytesPattern    = regexp.MustCompile(`n_bytes=(\d+)`)
	durationPattern = regexp.MustCompile(`duration=(\d+(?:\.\d+)?)s,`)
	protocolPattern = regexp.MustCompile(`\b(tcp|udp|icmp|arp)\b`)
)

// FlowEntries parses a flow-table dump. Only lines carrying a cookie field
// are entries; headers and blank lines are ignored.
func FlowEntries(dump string) []types.FlowEntry {
	var out []types.FlowEntry
	for _, line := range strings.Split(dump, "\n") {
		entry, ok := FlowLine(line)
		if !ok {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// FlowLine parses one dump line.
func FlowLine(line string) (types.FlowEntry, bool) {
	if !strings.Contains(line, "cookie") {
		return types.FlowEntry{}, false
	}
	var entry types.FlowEntry
	if m := priorityPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			entry.Priority = &v
		}
	}
	entry.Packets = parseUint(packetsPattern, line)
	entry.Bytes = parseUint(bytesPattern, line)
	if m := durationPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			entry.DurationSec = v
		}
	}

	head := line
	if idx := strings.Index(line, " actions="); idx >= 0 {
		head = line[:idx]
		entry.Actions = strings.TrimSpace(line[idx+len(" actions="):])
	}
	if idx := strings.LastIndex(head, ", "); idx >= 0 {
		entry.Match = strings.TrimSpace(head[idx+2:])
	}
	if m := protocolPattern.FindStringSubmatch(strings.ToLower(head)); m != nil {
		entry.Protocol = m[1]
	}
	return entry, true
}

func parseUint(re *regexp.Regexp, line string) uint64 {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
