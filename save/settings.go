package save

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	streamsubConfigDir = "streamsub"
	settingsFileName   = "settings.yaml"
)

type Settings struct {
	Channels []string       `yaml:"channels"`
	Listen   ListenSettings `yaml:"listen"`
}

// ListenSettings toggles which event kinds are subscribed for the
// configured channels.
type ListenSettings struct {
	Raids      bool `yaml:"raids"`
	Polls      bool `yaml:"polls"`
	ShieldMode bool `yaml:"shield_mode"`
	Shoutouts  bool `yaml:"shoutouts"`
}

func BuildDefaultSettings() Settings {
	return Settings{
		Listen: ListenSettings{
			Raids: true,
			Polls: true,
		},
	}
}

func (s Settings) validate() error {
	if slices.Contains(s.Channels, "") {
		return fmt.Errorf("channel entry can't be empty string")
	}

	for _, c := range s.Channels {
		if strings.ContainsAny(c, " \t") {
			return fmt.Errorf("channel entry %q can't contain whitespace", c)
		}
	}

	return nil
}

func SettingsFromDisk(fs afero.Fs) (Settings, error) {
	f, err := openCreateConfigFile(fs, settingsFileName)
	if err != nil {
		return Settings{}, err
	}

	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return Settings{}, err
	}

	if len(b) == 0 {
		return BuildDefaultSettings(), nil
	}

	settings := BuildDefaultSettings()

	if err := yaml.Unmarshal(b, &settings); err != nil {
		return Settings{}, err
	}

	if err := settings.validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

func openCreateFile(fs afero.Fs, base string, file string) (afero.File, error) {
	// ensure config dir exists
	configDir := filepath.Join(base, streamsubConfigDir)
	if err := fs.MkdirAll(configDir, 0o755); err != nil && !errors.Is(err, afero.ErrFileExists) {
		return nil, err
	}

	path := filepath.Join(configDir, file)

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func openCreateConfigFile(fs afero.Fs, file string) (afero.File, error) {
	configDir, err := os.UserConfigDir() // get users config directory, depending on OS
	if err != nil {
		return nil, err
	}

	return openCreateFile(fs, configDir, file)
}
