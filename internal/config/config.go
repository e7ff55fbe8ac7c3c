// Package config parses the environment-derived settings for both the
// client and server binaries, and the spec's own cluster_uffd.conf node
// list format.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ClientConfig is the client process's environment configuration, layered
// on top of the node list read separately via LoadNodes.
type ClientConfig struct {
	NodeConfPath   string `env:"DSM_NODE_CONF_PATH" envDefault:"cluster_uffd.conf"`
	WorkerThreads  int    `env:"DSM_WORKER_THREADS" envDefault:"8"`
	LogLevel       string `env:"DSM_LOG_LEVEL" envDefault:"info"`
	UffdModulePathA string `env:"DSM_KMOD_SENTINEL_A" envDefault:"/sys/module/kvm_dsm"`
	UffdModulePathB string `env:"DSM_KMOD_SENTINEL_B" envDefault:"/dev/kvm_dsm"`
}

// ServerConfig is the server process's environment configuration.
type ServerConfig struct {
	BackingImagePath string `env:"DSM_BACKING_IMAGE_PATH" envDefault:"physical_ram.img"`
	ListenPort       uint16 `env:"DSM_LISTEN_PORT" envDefault:"9999"`
	LogLevel         string `env:"DSM_LOG_LEVEL" envDefault:"info"`
}

// ParseClient reads ClientConfig from the process environment.
func ParseClient() (ClientConfig, error) {
	cfg, err := env.ParseAs[ClientConfig]()
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config: parsing client env: %w", err)
	}
	return cfg, nil
}

// ParseServer reads ServerConfig from the process environment.
func ParseServer() (ServerConfig, error) {
	cfg, err := env.ParseAs[ServerConfig]()
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: parsing server env: %w", err)
	}
	return cfg, nil
}

// LoadNodes reads the node IP list from path, one IP per line with blank
// lines ignored, per spec section 6. If path does not exist, it returns
// the documented default of a single loopback entry rather than an error.
func LoadNodes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{"127.0.0.1"}, nil
		}
		return nil, fmt.Errorf("config: opening node list %q: %w", path, err)
	}
	defer f.Close()

	var nodes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		nodes = append(nodes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading node list %q: %w", path, err)
	}

	if len(nodes) == 0 {
		return []string{"127.0.0.1"}, nil
	}

	return nodes, nil
}
