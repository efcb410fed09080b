package sfu

import "strings"

// lowLatencyAttrs are spliced after each audio media section to pin the
// packetization interval browsers use when sending to us.
var lowLatencyAttrs = []string{
	"a=sendrecv",
	"a=ptime:20",
	"a=maxptime:20",
}

// PatchAnswer rewrites an SDP answer so every m=audio section carries
// the low-latency attributes. The transform is pure and idempotent:
// attributes already present in a section are not duplicated. Non-audio
// sections pass through untouched.
func PatchAnswer(sdp string) string {
	normalized := strings.ReplaceAll(sdp, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(normalized, "\n"), "\n")

	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		out = append(out, line)
		if !strings.HasPrefix(line, "m=audio") {
			continue
		}

		// Section runs until the next m= line or end of SDP.
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(lines[j], "m=") {
				end = j
				break
			}
		}

		present := make(map[string]bool, len(lowLatencyAttrs))
		for j := i + 1; j < end; j++ {
			present[lines[j]] = true
		}

		out = append(out, lines[i+1:end]...)
		for _, attr := range lowLatencyAttrs {
			if !present[attr] {
				out = append(out, attr)
			}
		}
		i = end - 1
	}

	return strings.Join(out, "\r\n") + "\r\n"
}
