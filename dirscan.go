package zeroskip

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/ajaysusarla/zeroskip/internal/dbfile"
)

// fileNamePattern matches both grammars from spec.md §4.4/§6:
// zeroskip-<uuid>-<idx> (active, one index) and
// zeroskip-<uuid>-<sidx>-<eidx> (finalised or packed, two indices).
var fileNamePattern = regexp.MustCompile(`^zeroskip-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})-(\d+)(?:-(\d+))?$`)

// dirEntry is one classified filename from a directory scan, before
// the file itself has been opened.
type dirEntry struct {
	name     string
	startIdx uint32
	endIdx   uint32
	kind     dbfile.Kind
}

// scanDir lists dir and classifies every zeroskip-prefixed entry per
// spec.md §4.7 step 3's literal rule: one index suffix is active, two
// equal index suffixes is finalised, two distinct index suffixes is
// packed. This mirrors interpret_db_filename in the source this module
// is grounded on, rather than inferring active-ness from "highest index
// present" (which only happens to coincide with the real rule when a
// directory holds exactly one single-suffix file).
func scanDir(dir string) (active *dirEntry, finalised, packed []dirEntry, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("zeroskip: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		start, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			continue
		}
		de := dirEntry{name: e.Name(), startIdx: uint32(start), endIdx: uint32(start)}

		if m[3] == "" {
			de.kind = dbfile.KindActive
			// Defensive: a crash between writing the last commit and
			// the finalise rename can leave more than one single-suffix
			// file behind; the higher index is the real active file.
			if active == nil || de.startIdx > active.startIdx {
				a := de
				active = &a
			}
			continue
		}

		end, err := strconv.ParseUint(m[3], 10, 32)
		if err != nil {
			continue
		}
		de.endIdx = uint32(end)

		if de.startIdx == de.endIdx {
			de.kind = dbfile.KindFinalised
			finalised = append(finalised, de)
		} else {
			de.kind = dbfile.KindPacked
			packed = append(packed, de)
		}
	}

	// Newest-first: higher index is more recent.
	sort.Slice(finalised, func(i, j int) bool { return finalised[i].startIdx > finalised[j].startIdx })
	sort.Slice(packed, func(i, j int) bool { return packed[i].endIdx > packed[j].endIdx })

	return active, finalised, packed, nil
}

func activeFileName(id, idx string) string {
	return fmt.Sprintf("zeroskip-%s-%s", id, idx)
}

func packedFileName(id string, startIdx, endIdx uint32) string {
	return fmt.Sprintf("zeroskip-%s-%d-%d", id, startIdx, endIdx)
}

// finalisedPath is the name `finalise` renames an active file to: the
// same index suffix repeated, per spec.md §4.4 ("rename by appending a
// `-<curidx>` suffix" onto the already-suffixed active name) and §6's
// `zeroskip-<uuid>-<idx>` grammar for both active and finalised files.
func finalisedPath(dir, id string, idx uint32) string {
	return filepath.Join(dir, fmt.Sprintf("zeroskip-%s-%d-%d", id, idx, idx))
}
