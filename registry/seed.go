package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// seedFile is the on-disk shape of a source seed file:
//
//	[[source]]
//	url = "https://github.com/acme/"
//	branch = "main"
//	provider = "github"
//	use_webhooks = true
//	webhook_secret = "..."
//	check_frequency = "daily"
type seedFile struct {
	Source []seedSource `toml:"source"`
}

type seedSource struct {
	URL            string `toml:"url"`
	Branch         string `toml:"branch"`
	Provider       string `toml:"provider"`
	Credentials    string `toml:"credentials"`
	SelfHosted     bool   `toml:"self_hosted"`
	UseWebhooks    bool   `toml:"use_webhooks"`
	WebhookSecret  string `toml:"webhook_secret"`
	CheckFrequency string `toml:"check_frequency"`
	CheckDelayS    int    `toml:"check_delay_s"`
	FilterPackages bool   `toml:"filter_packages"`
}

// Seed imports sources from a TOML file. Existing sources with the same
// key are overwritten; a missing file is not an error so deployments
// without a seed just start empty.
func (r *Registry) Seed(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry: reading seed file: %w", err)
	}
	var f seedFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("registry: parsing seed file %s: %w", path, err)
	}
	for i, s := range f.Source {
		src := &Source{
			URL:            s.URL,
			Branch:         s.Branch,
			Provider:       s.Provider,
			Credentials:    s.Credentials,
			SelfHosted:     s.SelfHosted,
			UseWebhooks:    s.UseWebhooks,
			WebhookSecret:  s.WebhookSecret,
			CheckFrequency: s.CheckFrequency,
			CheckDelayS:    s.CheckDelayS,
			FilterPackages: s.FilterPackages,
		}
		if err := r.SaveSource(ctx, src); err != nil {
			return i, fmt.Errorf("registry: seeding source %d (%s): %w", i, s.URL, err)
		}
	}
	return len(f.Source), nil
}
