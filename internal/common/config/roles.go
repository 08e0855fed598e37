package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoleConfig describes an agent role that can be instantiated into a live
// agent. Files live in RuntimeConfig.RoleConfigDir, one role per yaml file.
type RoleConfig struct {
	Name    string   `yaml:"name"`
	Role    string   `yaml:"role"`
	Profile string   `yaml:"profile"`
	Skills  []string `yaml:"skills"`
	Tools   []string `yaml:"tools"`
}

// LoadRoleConfig reads a single role definition file.
func LoadRoleConfig(path string) (*RoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role config %s: %w", path, err)
	}
	var rc RoleConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse role config %s: %w", path, err)
	}
	if rc.Name == "" || rc.Role == "" {
		return nil, fmt.Errorf("role config %s: name and role are required", path)
	}
	return &rc, nil
}

// LoadRoleConfigs reads every yaml role definition under dir, sorted by file
// name. A missing directory yields an empty slice, not an error, so the core
// can run without any role catalog.
func LoadRoleConfigs(dir string) ([]*RoleConfig, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read role config dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	roles := make([]*RoleConfig, 0, len(names))
	for _, name := range names {
		rc, err := LoadRoleConfig(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		roles = append(roles, rc)
	}
	return roles, nil
}
