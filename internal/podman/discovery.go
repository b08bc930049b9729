package podman

import (
	"context"

	"github.com/moby/moby/client"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// Auto-update label convention on a managed container: the systemd unit
// that owns it and an opt-in flag.
const (
	LabelAutoUpdate = "poduptrigger.auto-update"
	LabelUnit       = "poduptrigger.unit"
	LabelSlug       = "poduptrigger.slug"
	LabelDisplay    = "poduptrigger.display-name"
	LabelGithub     = "poduptrigger.github-path"
)

// ListAutoUpdateUnits queries the runtime for containers opted into
// auto-update and returns one DiscoveredUnit per poduptrigger.unit label
// value, backing internal/discovery's DiscoveryProbe.
func (c *Client) ListAutoUpdateUnits(ctx context.Context, now int64) ([]domain.DiscoveredUnit, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var units []domain.DiscoveredUnit
	for _, cont := range result.Items {
		if cont.Labels[LabelAutoUpdate] != "true" {
			continue
		}
		unit := cont.Labels[LabelUnit]
		if unit == "" || seen[unit] {
			continue
		}
		seen[unit] = true
		units = append(units, domain.DiscoveredUnit{
			Unit:         unit,
			Source:       domain.SourcePodman,
			DiscoveredAt: now,
			Slug:         cont.Labels[LabelSlug],
			DisplayName:  cont.Labels[LabelDisplay],
			DefaultImage: cont.Image,
			GithubPath:   cont.Labels[LabelGithub],
		})
	}
	return units, nil
}
