package config

import (
	"fmt"
	"net/url"
)

type ServerConfig struct {
	// URL is the URL of the node admin server to query.
	URL string `json:"url" yaml:"url"`
}

func (c *ServerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}

// Config is the configuration of the 'flock status' commands.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
