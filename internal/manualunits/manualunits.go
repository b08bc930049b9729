// Package manualunits builds the env-configured unit catalogue backing
// GET /api/manual/services: a comma-separated X_MANUAL_UNITS list, optionally
// enriched by a YAML file carrying per-unit slug/display_name/default_image/
// github_path metadata, parsed with gopkg.in/yaml.v3.
package manualunits

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// Entry is one catalogue row before merge with discovered units.
type Entry struct {
	Slug         string `yaml:"slug" json:"slug"`
	Unit         string `yaml:"unit" json:"unit"`
	DisplayName  string `yaml:"display_name" json:"display_name,omitempty"`
	DefaultImage string `yaml:"default_image" json:"default_image,omitempty"`
	GithubPath   string `yaml:"github_path" json:"github_path,omitempty"`
}

type file struct {
	Units []Entry `yaml:"units"`
}

// Load merges unitNames (from X_MANUAL_UNITS, bare unit names with no
// metadata) with the richer entries of an optional YAML catalogue at path.
// A slug collision is won by the file. A missing path is not an error.
func Load(path string, unitNames []string) ([]Entry, error) {
	bySlug := make(map[string]Entry, len(unitNames))
	for _, u := range unitNames {
		bySlug[u] = Entry{Slug: u, Unit: u}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return toSlice(bySlug), nil
			}
			return nil, err
		}
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		for _, e := range f.Units {
			bySlug[e.Slug] = e
		}
	}

	return toSlice(bySlug), nil
}

func toSlice(bySlug map[string]Entry) []Entry {
	out := make([]Entry, 0, len(bySlug))
	for _, e := range bySlug {
		out = append(out, e)
	}
	return out
}

// ToDiscoveredUnits converts the catalogue into source=manual
// domain.DiscoveredUnit rows for the Store's discovered_units bucket.
func ToDiscoveredUnits(entries []Entry, now int64) []domain.DiscoveredUnit {
	out := make([]domain.DiscoveredUnit, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.DiscoveredUnit{
			Unit:         e.Unit,
			Source:       domain.SourceManual,
			DiscoveredAt: now,
			Slug:         e.Slug,
			DisplayName:  e.DisplayName,
			DefaultImage: e.DefaultImage,
			GithubPath:   e.GithubPath,
		})
	}
	return out
}
