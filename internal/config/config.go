package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
)

// Categories every checkpoint requirement belongs to, by name prefix.
var requirementCategories = []string{"security", "reliability", "scalability"}

// Config models stagegate.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Hardening struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		Checkpoints map[string]map[string]CheckpointPolicy `yaml:"checkpoints"`
	} `yaml:"hardening"`
	Payment  PaymentPolicy   `yaml:"payment"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// CheckpointPolicy is the per (level, checkpoint) hardening requirement set.
type CheckpointPolicy struct {
	Mandatory   []string            `yaml:"mandatory"`
	Recommended []string            `yaml:"recommended,omitempty"`
	Optional    []string            `yaml:"optional,omitempty"`
	Criteria    map[string][]string `yaml:"criteria,omitempty"`
}

// PaymentPolicy configures the payment gate validator. The system validates
// external payment proof; it never processes payment itself.
type PaymentPolicy struct {
	Currency            string             `yaml:"currency"`
	ExpiryHours         int                `yaml:"expiry_hours"`
	Amounts             map[string]float64 `yaml:"amounts"`
	ApprovedMethods     []string           `yaml:"approved_methods"`
	AuthorizedPersonnel []string           `yaml:"authorized_personnel,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sg project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "delivery-project" {
		return fmt.Errorf("config.project.kind must be 'delivery-project'")
	}
	if len(c.Hardening.Checkpoints) == 0 {
		return fmt.Errorf("config.hardening.checkpoints is required")
	}
	for lvl, cps := range c.Hardening.Checkpoints {
		if _, err := parseLevelName(lvl); err != nil {
			return fmt.Errorf("hardening.checkpoints: %w", err)
		}
		for cp, policy := range cps {
			if cp != "L1" && cp != "L2" && cp != "L3" {
				return fmt.Errorf("hardening.checkpoints.%s has unknown checkpoint %s", lvl, cp)
			}
			for _, group := range [][]string{policy.Mandatory, policy.Recommended, policy.Optional} {
				for _, req := range group {
					if req == "" {
						return fmt.Errorf("checkpoint %s/%s has empty requirement name", lvl, cp)
					}
					if RequirementCategory(req) == "" {
						return fmt.Errorf("requirement %s must be prefixed with one of %v", req, requirementCategories)
					}
					if len(c.Hardening.Catalog) > 0 {
						if _, ok := c.Hardening.Catalog[req]; !ok {
							return fmt.Errorf("checkpoint %s/%s names unknown requirement %s", lvl, cp, req)
						}
					}
				}
			}
		}
	}
	if c.Payment.Currency == "" {
		return fmt.Errorf("config.payment.currency is required")
	}
	if c.Payment.ExpiryHours <= 0 {
		return fmt.Errorf("config.payment.expiry_hours must be positive")
	}
	if len(c.Payment.ApprovedMethods) == 0 {
		return fmt.Errorf("config.payment.approved_methods is required")
	}
	for lvl := range c.Payment.Amounts {
		if _, err := parseLevelName(lvl); err != nil {
			return fmt.Errorf("payment.amounts: %w", err)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

func parseLevelName(s string) (domain.Level, error) {
	switch domain.Level(s) {
	case domain.LevelPOC, domain.LevelMVP, domain.LevelPilot, domain.LevelProduction, domain.LevelScale:
		return domain.Level(s), nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// RequirementCategory derives the category from a requirement name prefix,
// or returns "" when the prefix is not a known category.
func RequirementCategory(requirement string) string {
	for _, cat := range requirementCategories {
		if strings.HasPrefix(requirement, cat+".") {
			return cat
		}
	}
	return ""
}

// Categories returns the requirement categories in canonical order.
func Categories() []string {
	out := make([]string, len(requirementCategories))
	copy(out, requirementCategories)
	return out
}

// RequirementsFor returns the requirement set for one level/checkpoint;
// false when the config defines none for that pair.
func (c *Config) RequirementsFor(lvl domain.Level, cp domain.Checkpoint) (domain.CheckpointRequirement, bool) {
	cps, ok := c.Hardening.Checkpoints[string(lvl)]
	if !ok {
		return domain.CheckpointRequirement{}, false
	}
	policy, ok := cps[string(cp)]
	if !ok {
		return domain.CheckpointRequirement{}, false
	}
	return domain.CheckpointRequirement{
		Level:       lvl,
		Checkpoint:  cp,
		Mandatory:   policy.Mandatory,
		Recommended: policy.Recommended,
		Optional:    policy.Optional,
		Criteria:    policy.Criteria,
	}, true
}

// LevelMandatory returns the union of mandatory requirements across the
// level's three checkpoints, in checkpoint order.
func (c *Config) LevelMandatory(lvl domain.Level) []string {
	var out []string
	seen := map[string]bool{}
	for _, cp := range []string{"L1", "L2", "L3"} {
		policy, ok := c.Hardening.Checkpoints[string(lvl)][cp]
		if !ok {
			continue
		}
		for _, req := range policy.Mandatory {
			if !seen[req] {
				seen[req] = true
				out = append(out, req)
			}
		}
	}
	return out
}

// GateAmount returns the configured payment amount for advancing into lvl.
func (c *Config) GateAmount(lvl domain.Level) (float64, bool) {
	amount, ok := c.Payment.Amounts[string(lvl)]
	return amount, ok
}

// MethodApproved reports whether method is an approved payment method.
func (c *Config) MethodApproved(method string) bool {
	for _, m := range c.Payment.ApprovedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// PersonnelAuthorized reports whether actor may confirm payment gates. An
// empty allowlist authorizes everyone.
func (c *Config) PersonnelAuthorized(actor string) bool {
	if len(c.Payment.AuthorizedPersonnel) == 0 {
		return true
	}
	for _, p := range c.Payment.AuthorizedPersonnel {
		if p == actor {
			return true
		}
	}
	return false
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "delivery-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}
