package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	metadataFolder = "./releasedl-data/metadata"
	stateFolder    = "./releasedl-data/state"
)

// Handler reads the yaml configuration file.
type Handler struct {
	p  string
	mu sync.Mutex
}

func NewHandler(path string) *Handler {
	return &Handler{p: path}
}

// Get loads the configuration, writing a default file first if none exists.
func (c *Handler) Get() (*Root, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.p); os.IsNotExist(err) {
		if err := c.write(AddDefaults(&Root{})); err != nil {
			return nil, fmt.Errorf("error creating default configuration file: %w", err)
		}
		log.Info().Str("file", c.p).Msg("configuration file does not exist, created with defaults")
	}

	b, err := os.ReadFile(c.p)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}

	conf := &Root{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing configuration file: %w", err)
	}

	return AddDefaults(conf), nil
}

func (c *Handler) write(r *Root) error {
	if err := os.MkdirAll(filepath.Dir(c.p), 0744); err != nil {
		return err
	}
	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(c.p, b, 0644)
}
