// Package diffs parses raw unified diffs into a shape the pull request
// engine can compare across versions: per-file digests for change
// detection and per-file line coverage for inline comment anchoring.
package diffs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// File operations derived from a parsed diff.
const (
	OpAdded    = "added"
	OpModified = "modified"
	OpRemoved  = "removed"
)

type FileDiff struct {
	Filename string
	Op       string

	// Digest is the md5 of the per-file raw diff; two versions of a diff
	// are considered equal for a file iff the digests match.
	Digest string

	// Line numbers on the new side covered by the hunks. Inline comments
	// anchor to these.
	newLines map[int]struct{}
}

// HasLine reports whether an inline comment at the given new-side line
// still has an anchor in this file's diff.
func (f *FileDiff) HasLine(line int) bool {
	_, ok := f.newLines[line]
	return ok
}

type Diff struct {
	Files  []*FileDiff
	byName map[string]*FileDiff
}

// Parse parses a raw multi-file unified diff.
func Parse(raw []byte) (*Diff, error) {
	const op = "diffs.Parse"

	fileDiffs, err := godiff.ParseMultiFileDiff(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	d := &Diff{byName: make(map[string]*FileDiff, len(fileDiffs))}
	for _, fd := range fileDiffs {
		parsed := &FileDiff{
			Filename: diffFilename(fd),
			Op:       diffOp(fd),
			newLines: make(map[int]struct{}),
		}

		raw, err := godiff.PrintFileDiff(fd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sum := md5.Sum(raw)
		parsed.Digest = hex.EncodeToString(sum[:])

		for _, hunk := range fd.Hunks {
			for i := int32(0); i < hunk.NewLines; i++ {
				parsed.newLines[int(hunk.NewStartLine+i)] = struct{}{}
			}
		}

		d.Files = append(d.Files, parsed)
		d.byName[parsed.Filename] = parsed
	}
	return d, nil
}

// File returns the parsed per-file diff by name.
func (d *Diff) File(name string) (*FileDiff, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// FileChanges is the per-file delta between two versions of a diff.
type FileChanges struct {
	Added    []string
	Modified []string
	Removed  []string
}

func (fc FileChanges) Any() bool {
	return len(fc.Added) > 0 || len(fc.Modified) > 0 || len(fc.Removed) > 0
}

// CompareFileChanges matches files of the old and new diff by name and
// classifies them by digest equality. Files present only in the new diff
// are added unless the diff itself is a deletion; files left over in the
// old diff are removed.
func CompareFileChanges(oldDiff, newDiff *Diff) FileChanges {
	oldFiles := make(map[string]string, len(oldDiff.Files))
	for _, f := range oldDiff.Files {
		oldFiles[f.Filename] = f.Digest
	}

	var changes FileChanges
	for _, f := range newDiff.Files {
		oldDigest, ok := oldFiles[f.Filename]
		if !ok {
			if f.Op == OpRemoved {
				changes.Removed = append(changes.Removed, f.Filename)
			} else {
				changes.Added = append(changes.Added, f.Filename)
			}
			continue
		}
		if oldDigest != f.Digest {
			changes.Modified = append(changes.Modified, f.Filename)
		}
		delete(oldFiles, f.Filename)
	}

	for _, f := range oldDiff.Files {
		if _, ok := oldFiles[f.Filename]; ok {
			changes.Removed = append(changes.Removed, f.Filename)
		}
	}
	return changes
}

func diffFilename(fd *godiff.FileDiff) string {
	name := fd.NewName
	if name == "/dev/null" || name == "" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

func diffOp(fd *godiff.FileDiff) string {
	switch {
	case fd.OrigName == "/dev/null":
		return OpAdded
	case fd.NewName == "/dev/null":
		return OpRemoved
	}
	return OpModified
}
