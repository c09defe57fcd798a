package scan

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

var ErrInvalidTarget = errors.New("invalid scan target")

type Target struct {
	URL      string
	AssetKey string
}

// ParseTargets reads "url|asset_key" entries. Without an asset key, the host name is used.
func ParseTargets(raw []string) ([]Target, error) {
	ret := []Target{}
	seen := map[string]struct{}{}

	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		rawURL, assetKey, _ := strings.Cut(entry, "|")
		rawURL = strings.TrimSpace(rawURL)
		assetKey = strings.TrimSpace(assetKey)

		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			rawURL = "http://" + rawURL
		}

		u, err := url.Parse(rawURL)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, entry)
		}

		if assetKey == "" {
			assetKey = strings.ReplaceAll(u.Hostname(), ".", "-")
		}

		_, ok := seen[rawURL]
		if ok {
			continue
		}

		seen[rawURL] = struct{}{}
		ret = append(ret, Target{URL: rawURL, AssetKey: assetKey})
	}

	return ret, nil
}

// TargetForAsset scans the asset address, or its name over https.
func TargetForAsset(asset entity.Asset) Target {
	address := strings.TrimSpace(asset.Address)
	if address == "" {
		address = asset.Name
	}

	if address == "" {
		address = asset.AssetKey
	}

	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "https://" + address
	}

	return Target{URL: address, AssetKey: asset.AssetKey}
}
