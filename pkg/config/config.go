// Package config loads cnagent's on-disk configuration and resolves the
// data center's controller services via DNS, layering environment variable
// overrides on top of the YAML file. CLI flag overrides are applied by
// cmd/cnagent.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/cnagent/pkg/task"
)

// Load reads and parses the agent config file at path.
func Load(path string) (task.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return task.AgentConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg task.AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return task.AgentConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers CNAGENT_* environment variables over the file's
// values, letting an operator override config without editing the file.
func applyEnvOverrides(cfg *task.AgentConfig) {
	if v, ok := os.LookupEnv("CNAGENT_CNAPI_URL"); ok {
		cfg.CNAPI.URL = v
	}
	if v, ok := os.LookupEnv("CNAGENT_FLUENTD_HOST"); ok {
		cfg.FluentdHost = v
	}
	if v, ok := os.LookupEnv("CNAGENT_TASKLOGDIR"); ok {
		cfg.TaskLogDir = v
	}
	if v, ok := os.LookupEnv("CNAGENT_NO_RABBIT"); ok {
		cfg.NoRabbit = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv("CNAGENT_TASK_TIMEOUT_SECONDS"); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeoutSeconds = secs
		}
	}
}

// ResolveSdcConfig reads the data center identity needed for DNS-based
// controller discovery, from CNAGENT_DATACENTER and CNAGENT_DNS_DOMAIN.
func ResolveSdcConfig() (task.SdcConfig, error) {
	dc := os.Getenv("CNAGENT_DATACENTER")
	domain := os.Getenv("CNAGENT_DNS_DOMAIN")
	if dc == "" || domain == "" {
		return task.SdcConfig{}, fmt.Errorf("config: CNAGENT_DATACENTER and CNAGENT_DNS_DOMAIN must both be set")
	}
	return task.SdcConfig{Datacenter: dc, DNSDomain: domain}, nil
}

// LookupService resolves a service name to its first A/AAAA address within
// the data center, e.g. "cnapi.coal.example.com" -> an IP.
func LookupService(sdc task.SdcConfig, service string) (string, error) {
	host := sdc.ServiceHost(service)
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("config: resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("config: no addresses found for %s", host)
	}
	return addrs[0], nil
}

// Role returns the CNAGENT_ROLE environment value, used to decide whether
// this process should register itself with the controller as a first-class
// compute node or defer as an update helper.
func Role() string {
	return os.Getenv("CNAGENT_ROLE")
}
