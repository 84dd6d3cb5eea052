package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
)

// ServersFile is the on-disk form of a server list:
//
//	servers:
//	  - name: filesystem
//	    transport: process
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
//	  - name: docs
//	    transport: streaming-http
//	    url: https://example.com/mcp
type ServersFile struct {
	Servers []mcpmgr.DescriptorSpec `yaml:"servers"`
}

// LoadServers reads a servers file. Environment variables in the file are
// expanded. A missing file yields nil, nil. Every entry is validated.
func LoadServers(path string) ([]mcpmgr.DescriptorSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read servers file: %w", err)
	}
	var file ServersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("config: parse servers file %s: %w", path, err)
	}
	var errs []error
	for i, spec := range file.Servers {
		if _, err := spec.Descriptor(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): %w", i, spec.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return file.Servers, nil
}

// WriteServers writes specs in the format LoadServers reads.
func WriteServers(path string, specs []mcpmgr.DescriptorSpec) error {
	data, err := yaml.Marshal(ServersFile{Servers: specs})
	if err != nil {
		return fmt.Errorf("config: encode servers: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write servers file: %w", err)
	}
	return nil
}
