// Package diffmerge combines per-lane unified diff patches into one patch,
// detecting conflicts where lanes edit overlapping regions of a file.
package diffmerge

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ReasonOverlappingHunks is the only conflict reason the merge emits.
const ReasonOverlappingHunks = "overlapping hunks"

// Lane is one parallel attempt's patch, identified by a label such as the
// run id or a lane index.
type Lane struct {
	Label string `json:"label"`
	Patch string `json:"patch"`
}

// Hunk is one @@-block of a unified diff. Header is the verbatim @@ line.
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldCount int      `json:"old_count"`
	NewStart int      `json:"new_start"`
	NewCount int      `json:"new_count"`
	Header   string   `json:"header"`
	Body     []string `json:"body"`
}

// FileDiff is all hunks one lane applies to a single file.
type FileDiff struct {
	Path  string `json:"path"`
	Hunks []Hunk `json:"hunks"`
}

// Conflict marks a file two or more lanes edited in overlapping regions.
type Conflict struct {
	FilePath   string   `json:"file_path"`
	Reason     string   `json:"reason"`
	LaneLabels []string `json:"lane_labels"`
}

// Result is the outcome of merging a set of lanes. When any conflict exists
// MergedPatch is empty and MergedFiles is zero.
type Result struct {
	MergedPatch   string     `json:"merged_patch"`
	MergedFiles   int        `json:"merged_files"`
	Conflicts     []Conflict `json:"conflicts"`
	ConflictCount int        `json:"conflict_count"`
	Additions     int        `json:"additions"`
	Deletions     int        `json:"deletions"`
	LaneDiffs     []Lane     `json:"lane_diffs"`
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParsePatch splits a unified diff into per-file hunk lists. Lines before
// the first file header and unrecognised headers are skipped.
func ParsePatch(patch string) []FileDiff {
	var (
		files   []FileDiff
		current *FileDiff
		hunk    *Hunk
	)
	flushHunk := func() {
		if hunk != nil && current != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil && len(current.Hunks) > 0 {
			files = append(files, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			flushFile()
			current = &FileDiff{Path: parseFilePath(line)}
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "diff --git "),
			strings.HasPrefix(line, "index "):
			flushHunk()
		case strings.HasPrefix(line, "@@"):
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil || current == nil {
				flushHunk()
				continue
			}
			flushHunk()
			hunk = &Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewCount: atoiDefault(m[4], 1),
				Header:   line,
			}
		default:
			if hunk != nil {
				hunk.Body = append(hunk.Body, line)
			}
		}
	}
	flushFile()
	return files
}

func parseFilePath(line string) string {
	p := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
	p = strings.TrimPrefix(p, "b/")
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	return p
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// overlaps reports whether two hunks edit intersecting ranges of the
// original file.
func overlaps(a, b Hunk) bool {
	aEnd := a.OldStart + a.OldCount
	bEnd := b.OldStart + b.OldCount
	return a.OldStart < bEnd && b.OldStart < aEnd
}

type laneHunk struct {
	lane string
	hunk Hunk
}

// Merge combines the given lanes. Files touched by exactly one lane never
// conflict; files touched by several lanes conflict when any two hunks from
// different lanes overlap in the original file.
func Merge(lanes []Lane) Result {
	res := Result{LaneDiffs: lanes}

	byFile := make(map[string][]laneHunk)
	var fileOrder []string
	for _, lane := range lanes {
		for _, fd := range ParsePatch(lane.Patch) {
			if _, seen := byFile[fd.Path]; !seen {
				fileOrder = append(fileOrder, fd.Path)
			}
			for _, h := range fd.Hunks {
				byFile[fd.Path] = append(byFile[fd.Path], laneHunk{lane: lane.Label, hunk: h})
			}
		}
	}

	for _, path := range fileOrder {
		hunks := byFile[path]
		labels := conflictingLanes(hunks)
		if len(labels) > 0 {
			res.Conflicts = append(res.Conflicts, Conflict{
				FilePath:   path,
				Reason:     ReasonOverlappingHunks,
				LaneLabels: labels,
			})
		}
	}
	res.ConflictCount = len(res.Conflicts)
	if res.ConflictCount > 0 {
		return res
	}

	var b strings.Builder
	for _, path := range fileOrder {
		hunks := byFile[path]
		sort.SliceStable(hunks, func(i, j int) bool {
			return hunks[i].hunk.OldStart < hunks[j].hunk.OldStart
		})
		b.WriteString("--- a/" + path + "\n")
		b.WriteString("+++ b/" + path + "\n")
		for _, lh := range hunks {
			b.WriteString(lh.hunk.Header + "\n")
			for _, line := range lh.hunk.Body {
				b.WriteString(line + "\n")
				if strings.HasPrefix(line, "+") {
					res.Additions++
				} else if strings.HasPrefix(line, "-") {
					res.Deletions++
				}
			}
		}
	}
	res.MergedPatch = b.String()
	res.MergedFiles = len(fileOrder)
	return res
}

// conflictingLanes returns the sorted labels of lanes whose hunks overlap
// other lanes' hunks, or nil when the file merges cleanly.
func conflictingLanes(hunks []laneHunk) []string {
	set := make(map[string]bool)
	for i := 0; i < len(hunks); i++ {
		for j := i + 1; j < len(hunks); j++ {
			if hunks[i].lane == hunks[j].lane {
				continue
			}
			if overlaps(hunks[i].hunk, hunks[j].hunk) {
				set[hunks[i].lane] = true
				set[hunks[j].lane] = true
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
