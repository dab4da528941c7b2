package spots

import (
	"context"
	"fmt"
	"log"
	"path"
	"regexp"
	"strings"

	"github.com/see-spot/server/internal/store"
)

// Naming encapsulates the filename conventions of the upstream unmixing
// pipeline. The conventions correlate independently-produced files by
// substring, so they live behind one interface and the merge logic stays
// untouched when the producer renames its outputs.
type Naming interface {
	// UnmixedPattern is the glob matched against filenames under the spots
	// prefix to find the unmixed table.
	UnmixedPattern() string

	// MixedNameFor derives the mixed table's filename from the resolved
	// unmixed filename.
	MixedNameFor(unmixedName string) string

	// RatiosSuffix and SummaryStatsSuffix identify the optional auxiliary
	// files within the same prefix.
	RatiosSuffix() string
	SummaryStatsSuffix() string
}

// roundToken matches the acquisition-round token embedded in spot table
// filenames: R followed by digits, or the all-rounds sentinel -1.
var roundToken = regexp.MustCompile(`R\d+|-1`)

// defaultRoundToken is substituted when an unmixed filename carries no
// recognizable round token.
const defaultRoundToken = "-1"

// DefaultNaming implements the current pipeline conventions:
// unmixed_spots_<round>.csv and mixed_spots_<round>.csv.
type DefaultNaming struct{}

func (DefaultNaming) UnmixedPattern() string     { return "unmixed_spots_*.csv" }
func (DefaultNaming) RatiosSuffix() string       { return "_ratios.txt" }
func (DefaultNaming) SummaryStatsSuffix() string { return "summary_stats.csv" }

func (DefaultNaming) MixedNameFor(unmixedName string) string {
	token := roundToken.FindString(unmixedName)
	if token == "" {
		log.Printf("[Locate] no round token in %q, falling back to %q", unmixedName, defaultRoundToken)
		token = defaultRoundToken
	}
	return fmt.Sprintf("mixed_spots_%s.csv", token)
}

// Locator finds a dataset's spot table files under its storage prefix.
type Locator struct {
	Store   store.Store
	Naming  Naming
	MaxKeys int
}

// NewLocator creates a locator with the default naming conventions.
func NewLocator(st store.Store) *Locator {
	return &Locator{Store: st, Naming: DefaultNaming{}, MaxKeys: 200}
}

// listPrefix lists the prefix once; an empty listing is ErrNoObjects.
func (l *Locator) listPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := l.Store.List(ctx, prefix, l.MaxKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoObjects, prefix)
	}
	return keys, nil
}

// FindFile returns the key of the first listed object whose filename matches
// pattern. Listings are key-ordered, so ties resolve to the
// lexicographically-first match; multiple matches log a warning.
func (l *Locator) FindFile(ctx context.Context, prefix, pattern string) (string, error) {
	keys, err := l.listPrefix(ctx, prefix)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, key := range keys {
		ok, err := path.Match(pattern, path.Base(key))
		if err != nil {
			return "", fmt.Errorf("bad filename pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, key)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: pattern %q under %s", ErrInputFileNotFound, pattern, prefix)
	}
	if len(matches) > 1 {
		log.Printf("[Locate] warning: %d files match %q under %s, using %s", len(matches), pattern, prefix, matches[0])
	}
	return matches[0], nil
}

// InputFiles is the pair of resolved spot table keys for one dataset.
type InputFiles struct {
	UnmixedKey string
	MixedKey   string
}

// FindInputFiles resolves the unmixed table by pattern and derives the mixed
// table's key from its name. Both must exist; the error names the missing
// side.
func (l *Locator) FindInputFiles(ctx context.Context, prefix string) (InputFiles, error) {
	unmixedKey, err := l.FindFile(ctx, prefix, l.Naming.UnmixedPattern())
	if err != nil {
		return InputFiles{}, fmt.Errorf("unmixed table: %w", err)
	}

	mixedName := l.Naming.MixedNameFor(path.Base(unmixedKey))
	mixedKey := path.Join(path.Dir(unmixedKey), mixedName)
	if _, err := l.Store.Head(ctx, mixedKey); err != nil {
		return InputFiles{}, fmt.Errorf("mixed table %s: %w", mixedKey, ErrInputFileNotFound)
	}

	return InputFiles{UnmixedKey: unmixedKey, MixedKey: mixedKey}, nil
}

// AuxFiles holds the optional auxiliary file keys found beside the spot
// tables. Empty fields mean the file is absent, which is not an error.
type AuxFiles struct {
	RatiosKey       string
	SummaryStatsKey string
}

// FindAuxFiles locates the optional ratio matrix and summary-stats files by
// filename suffix within the prefix.
func (l *Locator) FindAuxFiles(ctx context.Context, prefix string) AuxFiles {
	keys, err := l.Store.List(ctx, prefix, l.MaxKeys)
	if err != nil {
		log.Printf("[Locate] aux listing failed for %s: %v", prefix, err)
		return AuxFiles{}
	}

	var aux AuxFiles
	for _, key := range keys {
		name := path.Base(key)
		if aux.RatiosKey == "" && strings.HasSuffix(name, l.Naming.RatiosSuffix()) {
			aux.RatiosKey = key
		}
		if aux.SummaryStatsKey == "" && strings.HasSuffix(name, l.Naming.SummaryStatsSuffix()) {
			aux.SummaryStatsKey = key
		}
	}
	return aux
}
