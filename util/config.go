package util

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadYamlFile loads one yaml config file into T.
func LoadYamlFile[T any](path string) (T, error) {
	var config T

	body, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "failed to read config %s", path)
	}

	err = yaml.Unmarshal(body, &config)
	if err != nil {
		return config, errors.Wrapf(err, "failed to parse config %s", path)
	}

	return config, nil
}

// LoadMultipleYamlFiles loads several yaml files in order into the
// same T, later files overriding earlier ones.
func LoadMultipleYamlFiles[T any](paths []string) (T, error) {
	var config T

	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return config, errors.Wrapf(err, "failed to read config %s", path)
		}
		err = yaml.Unmarshal(body, &config)
		if err != nil {
			return config, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	return config, nil
}
