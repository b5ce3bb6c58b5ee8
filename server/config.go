package server

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// APIMethod selects which HTTP API is mounted under the API root.
type APIMethod string

const (
	// APIMethodRPC mounts /api/:subcommand for every verb.
	APIMethodRPC APIMethod = "rpc"
	// APIMethodREST also mounts environment-scoped routes and checks verbs per subcommand.
	APIMethodREST APIMethod = "rest"
)

// Config is the startup configuration of the dev server. It is fixed once the server is built.
type Config struct {
	ListenAddr string    `toml:"listen_addr"`
	APIMethod  APIMethod `toml:"api_method"`
	APIRoot    string    `toml:"api_root"`

	// Progress mounts the progress relay at WSPath.
	Progress bool   `toml:"progress"`
	WSPath   string `toml:"ws_path"`

	CLIPath string   `toml:"cli_path"`
	CLIEnv  []string `toml:"cli_env"`
	CLIDir  string   `toml:"cli_dir"`

	// StaticDir holds IndexFile and any other files of the test page.
	// If empty, the nearest directory containing IndexFile, looking up from the working directory, is used.
	StaticDir string `toml:"static_dir"`
	IndexFile string `toml:"index_file"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:8000",
		APIMethod:  APIMethodRPC,
		APIRoot:    "/api",
		WSPath:     "/api_ws",
		CLIPath:    "conda",
		IndexFile:  "test.html",
	}
}

// LoadConfigFile decodes a TOML file over cfg, so that keys missing from the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no config file found at %s", path)
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.APIMethod {
	case APIMethodRPC, APIMethodREST:
	default:
		return fmt.Errorf("unsupported API method %q", c.APIMethod)
	}
	if c.CLIPath == "" {
		return errors.New("no CLI path configured")
	}
	for name, p := range map[string]string{"API root": c.APIRoot, "WebSocket path": c.WSPath} {
		if !strings.HasPrefix(p, "/") || p == "/" {
			return fmt.Errorf("%s %q must be an absolute path below /", name, p)
		}
		// the router would read these as parameters and panic
		if strings.ContainsAny(p, ":*") {
			return fmt.Errorf("%s %q must not contain ':' or '*'", name, p)
		}
	}
	if c.Progress && (c.WSPath == "/healthz" || c.WSPath == "/") {
		return fmt.Errorf("WebSocket path %q is taken", c.WSPath)
	}
	if c.Progress && strings.HasPrefix(c.WSPath, strings.TrimSuffix(c.APIRoot, "/")+"/") {
		return fmt.Errorf("WebSocket path %q must not be below the API root %q", c.WSPath, c.APIRoot)
	}
	return nil
}
