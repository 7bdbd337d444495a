package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/formguard/internal/guard"
)

// RulesFile is the YAML form of the CSRF routing rules:
//
//	default_target:
//	  path: /csrf-violation?uri=<uri>
//	  method: GET
//	exceptions:
//	  - source: /hooks/<provider>
//	    destination: /hooks/<provider>/rejected
//	    method: POST
//	auto_insert_disable_prefix: [/api]
type RulesFile struct {
	DefaultTarget *struct {
		Path   string `yaml:"path"`
		Method string `yaml:"method" validate:"omitempty,httpmethod"`
	} `yaml:"default_target"`
	Exceptions              []guard.ExceptionConfig `yaml:"exceptions" validate:"dive"`
	AutoInsertDisablePrefix []string                `yaml:"auto_insert_disable_prefix"`
}

// LoadRulesFile reads and validates a rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rules RulesFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if err := validate.Struct(&rules); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &rules, nil
}

// applyRulesFile merges file rules into c. File exceptions are evaluated
// after those from CSRF_EXCEPTIONS; a file default target overrides the env.
func applyRulesFile(c *CSRFConfig, path string) error {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return err
	}
	if dt := rules.DefaultTarget; dt != nil {
		if p := strings.TrimSpace(dt.Path); p != "" {
			c.DefaultTarget = p
		}
		if m := strings.TrimSpace(dt.Method); m != "" {
			c.DefaultMethod = strings.ToUpper(m)
		}
	}
	for _, ex := range rules.Exceptions {
		ex.Method = strings.ToUpper(ex.Method)
		c.Exceptions = append(c.Exceptions, ex)
	}
	c.AutoInsertDisablePref = append(c.AutoInsertDisablePref, rules.AutoInsertDisablePrefix...)
	return nil
}
