package feedfile

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bartek5186/mallsync/internal/staging"
)

// fullSequence marks the complete stock file of a day.
const fullSequence = 1

// PREFIX_2025-03-01_14-05-09_0000001.csv
var reFeedName = regexp.MustCompile(`^(.+)_(\d{4}-\d{2}-\d{2})_(\d{2})-(\d{2})-(\d{2})_(\d{7})\.csv$`)

type feedFile struct {
	Name   string
	Prefix string
	Cursor staging.Cursor
}

// parseName maps a feed file name to its cursor. The sequence orders files
// of one day by time of day first, then by file number.
func parseName(name string) (feedFile, bool) {
	m := reFeedName.FindStringSubmatch(name)
	if m == nil {
		return feedFile{}, false
	}
	hh, _ := strconv.ParseInt(m[3], 10, 64)
	mm, _ := strconv.ParseInt(m[4], 10, 64)
	ss, _ := strconv.ParseInt(m[5], 10, 64)
	seq, _ := strconv.ParseInt(m[6], 10, 64)
	if hh > 23 || mm > 59 || ss > 59 || seq == 0 {
		return feedFile{}, false
	}
	clock := hh*10000 + mm*100 + ss
	return feedFile{
		Name:   name,
		Prefix: m[1],
		Cursor: staging.Cursor{
			Period:   m[2],
			Sequence: clock*10_000_000 + seq,
			Full:     seq == fullSequence,
		},
	}, true
}

// pending returns the feed files after last in apply order. A day whose
// full file is not applied yet starts at its newest full file; partials
// stamped before it are superseded, and a day without one waits.
func pending(names []string, prefix string, last *staging.Cursor) []feedFile {
	var files []feedFile
	for _, n := range names {
		f, ok := parseName(n)
		if !ok || (prefix != "" && !strings.HasPrefix(f.Prefix, prefix)) {
			continue
		}
		if last != nil && !last.Before(f.Cursor) {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Cursor.Before(files[j].Cursor) })

	var out []feedFile
	for start := 0; start < len(files); {
		end := start
		for end < len(files) && files[end].Cursor.Period == files[start].Cursor.Period {
			end++
		}
		day := files[start:end]
		start = end

		if last != nil && day[0].Cursor.Period == last.Period {
			out = append(out, day...)
			continue
		}
		for i := len(day) - 1; i >= 0; i-- {
			if day[i].Cursor.Full {
				if last == nil {
					// first batch: older days are superseded too
					out = out[:0]
				}
				out = append(out, day[i:]...)
				break
			}
		}
	}
	return out
}
