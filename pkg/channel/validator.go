package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNotReady = errors.New("channel not ready")

// Snapshot is the read-only view of a channel the publishing pipeline needs.
type Snapshot struct {
	ID                string
	Name              string
	SocialMedia       string
	Identifier        string
	IsActive          bool
	ArchivedAt        *time.Time
	ProjectArchivedAt *time.Time
	Credentials       []byte
	Footer            string
}

type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err folds the collected errors into one ErrNotReady, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotReady, strings.Join(r.Errors, "; "))
}

// Params are the platform connection parameters sent with each gateway request.
type Params struct {
	Platform string
	TargetID string
	APIKey   string
}

type Validator struct {
	catalog Catalog
}

func NewValidator(catalog Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate never fails; every problem is reported in Result.Errors. With
// ignoreState the activation and archival checks are skipped, but the
// identifier and credential shape are still enforced.
func (v *Validator) Validate(ch Snapshot, ignoreState bool) Result {
	var errs []string
	if !ignoreState {
		if !ch.IsActive {
			errs = append(errs, "Channel is not active")
		}
		if ch.ArchivedAt != nil {
			errs = append(errs, "Channel is archived")
		}
		if ch.ProjectArchivedAt != nil {
			errs = append(errs, "Project is archived")
		}
	}
	if strings.TrimSpace(ch.Identifier) == "" {
		errs = append(errs, "Channel identifier is empty")
	}
	if _, err := v.credentials(ch); err != nil {
		errs = append(errs, err.Error())
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func (v *Validator) ResolveParams(ch Snapshot) (Params, error) {
	creds, err := v.credentials(ch)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	platform, _ := v.catalog.Lookup(ch.SocialMedia)

	target := strings.TrimSpace(ch.Identifier)
	if platform.TargetKey != "" {
		if t := creds[platform.TargetKey]; t != "" {
			target = t
		}
	}
	return Params{
		Platform: strings.ToLower(ch.SocialMedia),
		TargetID: target,
		APIKey:   creds[platform.AuthKey],
	}, nil
}

// MaxMedia returns the platform attachment limit, 0 meaning unlimited.
func (v *Validator) MaxMedia(socialMedia string) int {
	p, _ := v.catalog.Lookup(socialMedia)
	return p.MaxMedia
}

// credentials decodes the raw blob into string values and checks that every
// required key is present. Any decode or shape problem yields one generic error.
func (v *Validator) credentials(ch Snapshot) (map[string]string, error) {
	platform, ok := v.catalog.Lookup(ch.SocialMedia)
	if !ok {
		return nil, fmt.Errorf("Unsupported platform: %s", ch.SocialMedia)
	}
	invalid := fmt.Errorf("Invalid or incomplete credentials for %s", strings.ToLower(ch.SocialMedia))

	if len(ch.Credentials) == 0 {
		return nil, invalid
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(ch.Credentials, &raw); err != nil {
		return nil, invalid
	}

	out := make(map[string]string, len(raw))
	for k, val := range raw {
		switch typed := val.(type) {
		case string:
			out[k] = strings.TrimSpace(typed)
		case float64:
			out[k] = strconv.FormatFloat(typed, 'f', -1, 64)
		}
	}

	required := platform.Required
	if len(required) == 0 {
		required = []string{platform.AuthKey}
	}
	for _, key := range required {
		if out[key] == "" {
			return nil, invalid
		}
	}
	return out, nil
}
