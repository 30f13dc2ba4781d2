package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the configuration has a missing or wrong value.
var ErrInvalidConfig = errors.New("invalid configuration")

// load pipeline config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *Config, error:
//
//	When loading success, returns `(*Config, nil)`.
//	Otherwise, returns `(nil, error)`.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses a config document.
//
// Misconfiguration is reported as an error wrapping ErrInvalidConfig,
// with the path of the key, like "(root).source.mode".
func Unmarshal(conf []byte) (out *Config, err error) {
	var _out *ConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	if _out == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		out = nil
		switch e := r.(type) {
		case error:
			err = fmt.Errorf("%w: %w", ErrInvalidConfig, e)
		default:
			err = fmt.Errorf("%w: %v", ErrInvalidConfig, e)
		}
	}()
	out = TrySeal[*Config](_out)
	return out, nil
}
