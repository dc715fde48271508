package channel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telegramChannel() Snapshot {
	return Snapshot{
		ID:          "ch-1",
		Name:        "News",
		SocialMedia: "telegram",
		Identifier:  "@news",
		IsActive:    true,
		Credentials: []byte(`{"botToken":"123:abc"}`),
	}
}

func TestValidateReadyChannel(t *testing.T) {
	v := NewValidator(DefaultPlatforms())
	res := v.Validate(telegramChannel(), false)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err())
}

func TestValidateAccumulatesErrors(t *testing.T) {
	now := time.Now()
	ch := telegramChannel()
	ch.IsActive = false
	ch.ArchivedAt = &now
	ch.ProjectArchivedAt = &now
	ch.Identifier = " "
	ch.Credentials = []byte(`{not json`)

	res := NewValidator(DefaultPlatforms()).Validate(ch, false)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{
		"Channel is not active",
		"Channel is archived",
		"Project is archived",
		"Channel identifier is empty",
		"Invalid or incomplete credentials for telegram",
	}, res.Errors)
	assert.ErrorIs(t, res.Err(), ErrNotReady)
}

func TestValidateIgnoreStateStillChecksCredentials(t *testing.T) {
	now := time.Now()
	ch := telegramChannel()
	ch.IsActive = false
	ch.ArchivedAt = &now

	v := NewValidator(DefaultPlatforms())
	assert.True(t, v.Validate(ch, true).Valid)

	ch.Credentials = []byte(`{"token":"x"}`)
	res := v.Validate(ch, true)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"Invalid or incomplete credentials for telegram"}, res.Errors)
}

func TestValidateUnknownPlatform(t *testing.T) {
	ch := telegramChannel()
	ch.SocialMedia = "myspace"
	res := NewValidator(DefaultPlatforms()).Validate(ch, false)
	assert.Equal(t, []string{"Unsupported platform: myspace"}, res.Errors)
}

func TestResolveParamsUsesTargetKey(t *testing.T) {
	v := NewValidator(DefaultPlatforms())

	params, err := v.ResolveParams(telegramChannel())
	require.NoError(t, err)
	assert.Equal(t, Params{Platform: "telegram", TargetID: "@news", APIKey: "123:abc"}, params)

	fb := Snapshot{
		SocialMedia: "Facebook",
		Identifier:  "my-page",
		Credentials: []byte(`{"pageAccessToken":"tok","pageId":1234567890}`),
	}
	params, err = v.ResolveParams(fb)
	require.NoError(t, err)
	assert.Equal(t, "facebook", params.Platform)
	assert.Equal(t, "1234567890", params.TargetID)
	assert.Equal(t, "tok", params.APIKey)
}

func TestResolveParamsRejectsBadCredentials(t *testing.T) {
	ch := telegramChannel()
	ch.Credentials = nil
	_, err := NewValidator(DefaultPlatforms()).ResolveParams(ch)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLoadPlatforms(t *testing.T) {
	cat, err := LoadPlatforms("")
	require.NoError(t, err)
	_, ok := cat.Lookup("telegram")
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "platforms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platforms:
  Mastodon:
    auth_key: accessToken
    required: [accessToken]
    max_media: 4
`), 0o600))
	cat, err = LoadPlatforms(path)
	require.NoError(t, err)
	p, ok := cat.Lookup("mastodon")
	require.True(t, ok)
	assert.Equal(t, 4, p.MaxMedia)
	_, ok = cat.Lookup("telegram")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("platforms: {}\n"), 0o600))
	_, err = LoadPlatforms(path)
	assert.Error(t, err)
}

func TestLoadPlatformsMissingFileReturnsEmptyCatalog(t *testing.T) {
	cat, err := LoadPlatforms(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Empty(t, cat.Platforms)
	_, ok := cat.Lookup("telegram")
	assert.False(t, ok)
}
