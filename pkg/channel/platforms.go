package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Platform describes which credential keys a platform needs and which of them
// carries the API key and (optionally) the publishing target id.
type Platform struct {
	AuthKey   string   `yaml:"auth_key" json:"auth_key"`
	TargetKey string   `yaml:"target_key" json:"target_key,omitempty"`
	Required  []string `yaml:"required" json:"required"`
	MaxMedia  int      `yaml:"max_media" json:"max_media"`
}

type Catalog struct {
	Platforms map[string]Platform `yaml:"platforms" json:"platforms"`
}

func LoadPlatforms(path string) (Catalog, error) {
	if path == "" {
		return DefaultPlatforms(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Catalog{}, fmt.Errorf("read platform catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Platforms) == 0 {
		return Catalog{}, fmt.Errorf("platform catalog empty")
	}
	normalized := make(map[string]Platform, len(cat.Platforms))
	for name, p := range cat.Platforms {
		if p.AuthKey == "" {
			return Catalog{}, fmt.Errorf("platform %q: auth_key is required", name)
		}
		normalized[strings.ToLower(name)] = p
	}
	cat.Platforms = normalized
	return cat, nil
}

func (c Catalog) Lookup(name string) (Platform, bool) {
	if c.Platforms == nil {
		return Platform{}, false
	}
	p, ok := c.Platforms[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func DefaultPlatforms() Catalog {
	return Catalog{Platforms: map[string]Platform{
		"telegram":  {AuthKey: "botToken", Required: []string{"botToken"}, MaxMedia: 10},
		"vk":        {AuthKey: "accessToken", TargetKey: "groupId", Required: []string{"accessToken"}, MaxMedia: 10},
		"facebook":  {AuthKey: "pageAccessToken", TargetKey: "pageId", Required: []string{"pageAccessToken", "pageId"}, MaxMedia: 10},
		"instagram": {AuthKey: "accessToken", TargetKey: "businessAccountId", Required: []string{"accessToken", "businessAccountId"}, MaxMedia: 10},
		"x":         {AuthKey: "accessToken", Required: []string{"accessToken"}, MaxMedia: 4},
		"linkedin":  {AuthKey: "accessToken", TargetKey: "organizationUrn", Required: []string{"accessToken"}, MaxMedia: 9},
		"threads":   {AuthKey: "accessToken", TargetKey: "userId", Required: []string{"accessToken", "userId"}, MaxMedia: 10},
		"tiktok":    {AuthKey: "accessToken", Required: []string{"accessToken"}, MaxMedia: 1},
		"youtube":   {AuthKey: "refreshToken", Required: []string{"refreshToken"}, MaxMedia: 1},
		"site":      {AuthKey: "apiKey", Required: []string{"apiKey"}, MaxMedia: 20},
	}}
}
