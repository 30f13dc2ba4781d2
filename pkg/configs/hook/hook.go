package hook

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load a hook config document.
//
// A missing file is an error. Hooks are optional, so callers decide whether the file is needed.
func Load(filename string) (Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	return Unmarshal(content)
}

func Unmarshal(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Config of lifecycle hooks of pipeline stages.
//
//	lifecycle-hooks:
//	  before: [http://example.com/before]
//	  after: [http://example.com/after]
//	timeout: 10s
type Config struct {
	Lifecycle WebHook `yaml:"lifecycle-hooks,omitempty"`

	// Timeout of each request. 0 means the default of the hook.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type WebHook struct {
	Before []*url.URL
	After  []*url.URL
}

func (wh *WebHook) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Before []string `yaml:"before"`
		After  []string `yaml:"after"`
	}{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	before, err := parseUrls(raw.Before)
	if err != nil {
		return fmt.Errorf("lifecycle-hooks.before: %w", err)
	}
	after, err := parseUrls(raw.After)
	if err != nil {
		return fmt.Errorf("lifecycle-hooks.after: %w", err)
	}
	wh.Before, wh.After = before, after
	return nil
}

func parseUrls(us []string) ([]*url.URL, error) {
	parsed := make([]*url.URL, len(us))
	for i, u := range us {
		p, err := url.Parse(u)
		if err != nil {
			return nil, err
		}
		if p.Scheme != "http" && p.Scheme != "https" {
			return nil, fmt.Errorf("hook url should be http or https: %s", u)
		}
		parsed[i] = p
	}
	return parsed, nil
}
