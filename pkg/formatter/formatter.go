package formatter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/publisher/pkg/channel"
	"github.com/synaptica-ai/publisher/pkg/gateway"
	"github.com/synaptica-ai/publisher/pkg/media"
)

var (
	ErrEmptyPost     = errors.New("post has neither text nor media")
	ErrTooManyMedia  = errors.New("too many media files for platform")
	ErrMissingTarget = errors.New("channel target is empty")
)

// Input carries everything needed to build one gateway request. Content is
// the post override when present, otherwise the publication text.
type Input struct {
	Content         string
	AuthorSignature string
	Footer          string
	Params          channel.Params
	Media           []media.File
	MaxMedia        int
	ScheduledAt     *time.Time
	Now             time.Time
}

// Build converts a post into the gateway request shape. A future ScheduledAt is
// forwarded as a hint so platforms with native scheduling can use it.
func Build(in Input) (gateway.Request, error) {
	if in.Params.TargetID == "" {
		return gateway.Request{}, ErrMissingTarget
	}
	body := ComposeBody(in.Content, in.AuthorSignature, in.Footer)
	if body == "" && len(in.Media) == 0 {
		return gateway.Request{}, ErrEmptyPost
	}
	if in.MaxMedia > 0 && len(in.Media) > in.MaxMedia {
		return gateway.Request{}, fmt.Errorf("%w: %s accepts %d, got %d", ErrTooManyMedia, in.Params.Platform, in.MaxMedia, len(in.Media))
	}

	req := gateway.Request{
		Platform:  in.Params.Platform,
		Body:      body,
		ChannelID: in.Params.TargetID,
		Auth:      gateway.Auth{APIKey: in.Params.APIKey},
	}
	for _, f := range in.Media {
		req.Media = append(req.Media, gateway.Media{
			Type:     f.Kind,
			URL:      f.URL,
			Path:     f.Path,
			MimeType: f.MimeType,
		})
	}
	if in.ScheduledAt != nil && in.ScheduledAt.After(in.Now) {
		at := in.ScheduledAt.UTC()
		req.ScheduledAt = &at
	}
	return req, nil
}

// ComposeBody appends the signature and footer, each separated by a blank line.
func ComposeBody(content, signature, footer string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{content, signature, footer} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}
