// Package cachecmp verifies that two incremental-compilation cache trees
// represent the same compilation outcome.
//
// A cache tree holds one directory per compiled unit. Each unit directory
// holds session directories named "s-<timestamp>-<random>-<hash>" plus lock
// files. Only object artifacts are compared byte for byte; the dependency
// graph, query cache and work-product index are not yet stable across builds
// and are compared by name only.
package cachecmp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/blake2b"
)

// SessionPrefix marks a session directory inside a unit directory.
const SessionPrefix = "s-"

const chunkSize = 64 * 1024

// DefaultArtifactPatterns match compiled-unit artifacts whose encoding is
// stable and therefore compared byte for byte.
var DefaultArtifactPatterns = []string{"*.o", "*.bc"}

// Options controls a comparison.
type Options struct {
	// MatchBySuffix selects the tested session whose trailing hash segment
	// equals that of the reference session, instead of requiring the tested
	// unit to hold exactly one session.
	MatchBySuffix bool

	// ArtifactPatterns are doublestar patterns matched against member file
	// names. Nil means DefaultArtifactPatterns.
	ArtifactPatterns []string
}

// Compare checks every unit of the reference tree against the tested tree.
// Units present only in the tested tree are ignored: the tested cache may
// carry state from earlier builds.
func Compare(reference, tested string, opts Options) error {
	patterns := opts.ArtifactPatterns
	if patterns == nil {
		patterns = DefaultArtifactPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("compare caches: invalid artifact pattern %q", p)
		}
	}

	units, err := subdirs(reference)
	if err != nil {
		return fmt.Errorf("compare caches: %w", err)
	}
	for _, unit := range units {
		testedUnit := filepath.Join(tested, unit)
		info, err := os.Stat(testedUnit)
		if err != nil || !info.IsDir() {
			return &MismatchError{Kind: KindMissingUnit, Unit: unit, Path: testedUnit,
				Detail: "no directory in tested cache"}
		}
		if err := compareUnit(unit, filepath.Join(reference, unit), testedUnit, opts.MatchBySuffix, patterns); err != nil {
			return err
		}
	}
	return nil
}

func compareUnit(unit, refUnit, testedUnit string, matchBySuffix bool, patterns []string) error {
	refSession, err := singleSession(unit, refUnit)
	if err != nil {
		return err
	}

	var testedSession string
	if matchBySuffix {
		testedSession, err = sessionBySuffix(unit, testedUnit, SessionHash(refSession))
	} else {
		testedSession, err = singleSession(unit, testedUnit)
	}
	if err != nil {
		return err
	}

	refDir := filepath.Join(refUnit, refSession)
	testedDir := filepath.Join(testedUnit, testedSession)

	refFiles, err := memberNames(refDir)
	if err != nil {
		return fmt.Errorf("compare caches: %w", err)
	}
	testedFiles, err := memberNames(testedDir)
	if err != nil {
		return fmt.Errorf("compare caches: %w", err)
	}
	if missing, extra := diffNames(refFiles, testedFiles); len(missing) > 0 || len(extra) > 0 {
		return &MismatchError{Kind: KindFileSet, Unit: unit, Path: testedDir, Missing: missing, Extra: extra}
	}

	for _, name := range refFiles {
		if !isArtifact(name, patterns) {
			continue
		}
		if err := compareFile(unit, filepath.Join(refDir, name), filepath.Join(testedDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// SessionHash returns the trailing "-" separated segment of a session
// directory name.
func SessionHash(session string) string {
	if i := strings.LastIndexByte(session, '-'); i >= 0 {
		return session[i+1:]
	}
	return session
}

func sessions(unitDir string) ([]string, error) {
	dirs, err := subdirs(unitDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dirs {
		if strings.HasPrefix(d, SessionPrefix) {
			out = append(out, d)
		}
	}
	return out, nil
}

func singleSession(unit, unitDir string) (string, error) {
	found, err := sessions(unitDir)
	if err != nil {
		return "", fmt.Errorf("compare caches: %w", err)
	}
	if len(found) != 1 {
		return "", &MismatchError{Kind: KindSessionCount, Unit: unit, Path: unitDir,
			Detail: fmt.Sprintf("expected exactly one session directory, found %d %v", len(found), found)}
	}
	return found[0], nil
}

func sessionBySuffix(unit, unitDir, hash string) (string, error) {
	found, err := sessions(unitDir)
	if err != nil {
		return "", fmt.Errorf("compare caches: %w", err)
	}
	var matches []string
	for _, s := range found {
		if SessionHash(s) == hash {
			matches = append(matches, s)
		}
	}
	if len(matches) != 1 {
		return "", &MismatchError{Kind: KindSessionCount, Unit: unit, Path: unitDir,
			Detail: fmt.Sprintf("expected exactly one session ending in %q, found %d %v", hash, len(matches), found)}
	}
	return matches[0], nil
}

func isArtifact(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// diffNames returns names only in want (missing) and only in got (extra).
// Both inputs are sorted.
func diffNames(want, got []string) (missing, extra []string) {
	i, j := 0, 0
	for i < len(want) || j < len(got) {
		switch {
		case j == len(got) || (i < len(want) && want[i] < got[j]):
			missing = append(missing, want[i])
			i++
		case i == len(want) || got[j] < want[i]:
			extra = append(extra, got[j])
			j++
		default:
			i++
			j++
		}
	}
	return missing, extra
}

func compareFile(unit, refPath, testedPath string) error {
	refInfo, err := os.Stat(refPath)
	if err != nil {
		return fmt.Errorf("compare caches: %w", err)
	}
	testedInfo, err := os.Stat(testedPath)
	if err != nil {
		return fmt.Errorf("compare caches: %w", err)
	}
	if refInfo.Size() != testedInfo.Size() {
		return &MismatchError{Kind: KindContent, Unit: unit, Path: testedPath,
			Detail: fmt.Sprintf("length differs: reference %d bytes, tested %d bytes", refInfo.Size(), testedInfo.Size())}
	}

	same, offset, err := sameContent(refPath, testedPath)
	if err != nil {
		return fmt.Errorf("compare caches: %w", err)
	}
	if same {
		return nil
	}
	return &MismatchError{Kind: KindContent, Unit: unit, Path: testedPath,
		Detail: contentDetail(offset, refPath, testedPath)}
}

// contentDetail describes a content mismatch, with the blake2b digests of
// both files when they can be computed.
func contentDetail(offset int64, refPath, testedPath string) string {
	detail := fmt.Sprintf("content differs in chunk at offset %d", offset)
	refSum, err := digest(refPath)
	if err != nil {
		return detail
	}
	testedSum, err := digest(testedPath)
	if err != nil {
		return detail
	}
	return fmt.Sprintf("%s: reference blake2b %s, tested blake2b %s", detail, refSum, testedSum)
}

// sameContent compares two files of equal length chunk by chunk and returns
// the offset of the first differing chunk.
func sameContent(a, b string) (bool, int64, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, 0, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, 0, err
	}
	defer fb.Close()

	bufA := make([]byte, chunkSize)
	bufB := make([]byte, chunkSize)
	var offset int64
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if errA != nil && !errors.Is(errA, io.EOF) && !errors.Is(errA, io.ErrUnexpectedEOF) {
			return false, offset, fmt.Errorf("read %s: %w", a, errA)
		}
		if errB != nil && !errors.Is(errB, io.EOF) && !errors.Is(errB, io.ErrUnexpectedEOF) {
			return false, offset, fmt.Errorf("read %s: %w", b, errB)
		}
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, offset, nil
		}
		if na < chunkSize {
			return true, 0, nil
		}
		offset += int64(na)
	}
}

func digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// memberNames lists the regular files of a session directory, sorted.
func memberNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}
