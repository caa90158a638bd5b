// config for the portago tools
// read from a toml file, every key is optional

package config

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the content of the configuration file.
type Config struct {
	Server   Server
	Resolver Resolver
}

// Server configures the HTTP front end.
type Server struct {
	Port int
	// WebUI is a directory served at "/" when set.
	WebUI string `toml:"webui"`
}

// Resolver holds the defaults applied to every resolution.
type Resolver struct {
	Backtrack int
	// Options are emerge options ("--update" = "true") merged under the
	// options of each request.
	Options         map[string]string
	PrefetchWorkers int    `toml:"prefetch_workers"`
	BlockerCache    string `toml:"blocker_cache"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:   Server{Port: 8080},
		Resolver: Resolver{Backtrack: 10},
	}
}

// Decode parses data over the defaults.
func Decode(data string) (Config, error) {
	conf := Default()
	md, err := toml.Decode(data, &conf)
	if err != nil {
		return conf, errors.Wrap(err, "config")
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		sort.Strings(names)
		return conf, errors.Errorf("config: unknown keys %s", strings.Join(names, ", "))
	}
	return conf, conf.validate()
}

// Load reads the file at path. An empty path gives the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Default(), errors.Wrap(err, "config")
	}
	conf, err := Decode(string(b))
	return conf, errors.Wrap(err, path)
}

func (c Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Resolver.Backtrack < 0 {
		return errors.Errorf("config: negative backtrack %d", c.Resolver.Backtrack)
	}
	for k := range c.Resolver.Options {
		if !strings.HasPrefix(k, "--") {
			return errors.Errorf("config: option %q must start with --", k)
		}
	}
	return nil
}

// Merge returns the resolver defaults overridden by opts. --backtrack is
// filled in from Backtrack unless set.
func (r Resolver) Merge(opts map[string]string) map[string]string {
	out := make(map[string]string, len(r.Options)+len(opts)+1)
	for k, v := range r.Options {
		out[k] = v
	}
	for k, v := range opts {
		out[k] = v
	}
	if _, ok := out["--backtrack"]; !ok {
		out["--backtrack"] = strconv.Itoa(r.Backtrack)
	}
	return out
}
