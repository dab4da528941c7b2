package spots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/see-spot/server/internal/store"
)

// Manifest is the per-dataset processing manifest. Only spot_channels is
// required by the pipeline; the rest of the document is retained for the UI.
type Manifest struct {
	SpotChannels []string               `json:"spot_channels"`
	Raw          map[string]interface{} `json:"-"`
}

// Channels returns the manifest's channel identifiers sorted, so channel
// pair enumeration is deterministic regardless of manifest order. Nil when
// the manifest carries no spot_channels field.
func (m *Manifest) Channels() []string {
	if m == nil || len(m.SpotChannels) == 0 {
		return nil
	}
	out := make([]string, len(m.SpotChannels))
	copy(out, m.SpotChannels)
	sort.Strings(out)
	return out
}

// manifestCandidates returns the relative keys probed for a dataset's
// manifest, in priority order: the top-level location first, then the
// derived directory used by newer pipeline versions.
func manifestCandidates(dataset string) []string {
	return []string{
		dataset + "/processing_manifest.json",
		dataset + "/derived/processing_manifest.json",
	}
}

// FindManifest locates and parses a dataset's processing manifest. Existence
// is probed with a metadata head before fetching, so absent candidates cost
// one cheap round trip each. Returns the resolved key and parsed manifest.
func FindManifest(ctx context.Context, st store.Store, dataset string) (string, *Manifest, error) {
	for _, key := range manifestCandidates(dataset) {
		if _, err := st.Head(ctx, key); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return "", nil, fmt.Errorf("failed to probe manifest %s: %w", key, err)
		}

		data, err := st.GetBytes(ctx, key)
		if err != nil {
			return "", nil, fmt.Errorf("failed to fetch manifest %s: %w", key, err)
		}
		m, err := parseManifest(data)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", ErrManifestParse, key, err)
		}
		log.Printf("[Manifest] resolved %s (channels=%d)", key, len(m.SpotChannels))
		return key, m, nil
	}
	return "", nil, fmt.Errorf("%w: dataset %s", ErrManifestNotFound, dataset)
}

func parseManifest(data []byte) (*Manifest, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	m := &Manifest{Raw: raw}
	if chans, ok := raw["spot_channels"].([]interface{}); ok {
		for _, c := range chans {
			if s, ok := c.(string); ok {
				m.SpotChannels = append(m.SpotChannels, s)
			}
		}
	}
	return m, nil
}
