package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fleetstat/internal/notifier"
	"fleetstat/internal/registry"
)

// HostEntry is a host as written in the hosts file
type HostEntry struct {
	Name       string `yaml:"name"`
	Password   string `yaml:"password"`
	Alias      string `yaml:"alias"`
	Location   string `yaml:"location"`
	Type       string `yaml:"type"`
	MonthStart int    `yaml:"monthstart"`
	Notify     *bool  `yaml:"notify"`
	Disabled   bool   `yaml:"disabled"`
	Labels     string `yaml:"labels"`
	Gid        string `yaml:"gid"`
}

// GroupEntry is a host group as written in the hosts file
type GroupEntry struct {
	Gid      string `yaml:"gid"`
	Password string `yaml:"password"`
	Location string `yaml:"location"`
	Type     string `yaml:"type"`
	Notify   *bool  `yaml:"notify"`
	Labels   string `yaml:"labels"`
}

// HostsFile is the on-disk layout of hosts, groups and notification sinks
type HostsFile struct {
	Hosts  []HostEntry     `yaml:"hosts"`
	Groups []GroupEntry    `yaml:"hosts_group"`
	Notify notifier.Config `yaml:"notify"`
}

// LoadHostsFile reads and parses a hosts file
func LoadHostsFile(path string) (*HostsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}
	return ParseHostsFile(data)
}

// ParseHostsFile parses hosts file content
func ParseHostsFile(data []byte) (*HostsFile, error) {
	var hf HostsFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("failed to parse hosts file: %w", err)
	}
	return &hf, nil
}

// HostConfigs converts the file entries into registry records. An
// unset notify flag means enabled.
func (hf *HostsFile) HostConfigs() []registry.HostConfig {
	out := make([]registry.HostConfig, 0, len(hf.Hosts))
	for _, h := range hf.Hosts {
		out = append(out, registry.HostConfig{
			Name:       h.Name,
			Password:   h.Password,
			Alias:      h.Alias,
			Location:   h.Location,
			Type:       h.Type,
			MonthStart: h.MonthStart,
			Notify:     h.Notify == nil || *h.Notify,
			Disabled:   h.Disabled,
			Labels:     h.Labels,
			Gid:        h.Gid,
		})
	}
	return out
}

// HostGroups converts the file entries into registry group templates
func (hf *HostsFile) HostGroups() []registry.HostGroup {
	out := make([]registry.HostGroup, 0, len(hf.Groups))
	for _, g := range hf.Groups {
		out = append(out, registry.HostGroup{
			Gid:      g.Gid,
			Password: g.Password,
			Location: g.Location,
			Type:     g.Type,
			Notify:   g.Notify == nil || *g.Notify,
			Labels:   g.Labels,
		})
	}
	return out
}
