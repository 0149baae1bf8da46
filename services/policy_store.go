package services

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AccountPolicy is the bulk-ordering policy of one business account.
type AccountPolicy struct {
	BulkEnabled   bool            `yaml:"bulk_enabled"`
	AllowedRoles  []string        `yaml:"allowed_roles" validate:"dive,required"`
	MaxOrderValue decimal.Decimal `yaml:"max_order_value"`
	MaxItemCount  int             `yaml:"max_item_count" validate:"gt=0"`
	MaxRows       int             `yaml:"max_rows" validate:"gt=0,lte=100000"`
	SKUPatterns   []string        `yaml:"sku_patterns" validate:"dive,required"`
	BlockedSKUs   []string        `yaml:"blocked_skus" validate:"dive,required"`

	compiled []*regexp.Regexp
	blocked  map[string]struct{}
}

// RoleAllowed reports whether role may submit bulk orders. An empty list allows every role.
func (p *AccountPolicy) RoleAllowed(role string) bool {
	if len(p.AllowedRoles) == 0 {
		return true
	}
	for _, r := range p.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// SKUAllowed reports whether sku passes the blocked list and, when set, the allow patterns.
func (p *AccountPolicy) SKUAllowed(sku string) (bool, string) {
	if _, blocked := p.blocked[sku]; blocked {
		return false, "SKU is blocked for this account"
	}
	if len(p.compiled) == 0 {
		return true, ""
	}
	for _, re := range p.compiled {
		if re.MatchString(sku) {
			return true, ""
		}
	}
	return false, "SKU does not match any allowed pattern"
}

func (p *AccountPolicy) compile() error {
	p.compiled = p.compiled[:0]
	for _, pattern := range p.SKUPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid sku pattern %q: %w", pattern, err)
		}
		p.compiled = append(p.compiled, re)
	}
	p.blocked = make(map[string]struct{}, len(p.BlockedSKUs))
	for _, sku := range p.BlockedSKUs {
		p.blocked[sku] = struct{}{}
	}
	return nil
}

// PolicySource looks up account policies.
type PolicySource interface {
	PolicyFor(ctx context.Context, accountID string) (*AccountPolicy, error)
}

type policyFile struct {
	Default  AccountPolicy            `yaml:"default" validate:"required"`
	Accounts map[string]AccountPolicy `yaml:"accounts" validate:"dive"`
}

// PolicyStore serves policies loaded from a YAML file. Accounts without an entry get the default.
type PolicyStore struct {
	path     string
	validate *validator.Validate

	mu       sync.RWMutex
	fallback *AccountPolicy
	accounts map[string]*AccountPolicy
}

// DefaultAccountPolicy is used when no policy file is configured.
func DefaultAccountPolicy() AccountPolicy {
	return AccountPolicy{
		BulkEnabled:   true,
		AllowedRoles:  []string{"buyer", "purchaser", "admin"},
		MaxOrderValue: decimal.NewFromInt(50000),
		MaxItemCount:  10000,
		MaxRows:       1000,
	}
}

// NewPolicyStore builds a store around fallback and the given per-account policies.
func NewPolicyStore(fallback AccountPolicy, accounts map[string]AccountPolicy) (*PolicyStore, error) {
	s := &PolicyStore{validate: validator.New()}
	if err := s.install(policyFile{Default: fallback, Accounts: accounts}); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadPolicyStore reads and validates the policy file at path.
func LoadPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path, validate: validator.New()}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the policy file. The previous policies stay active when the file is invalid.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	return s.install(file)
}

func (s *PolicyStore) install(file policyFile) error {
	if err := s.validate.Struct(&file); err != nil {
		return fmt.Errorf("invalid policy file: %w", err)
	}

	check := func(name string, p *AccountPolicy) error {
		if !p.MaxOrderValue.IsPositive() {
			return fmt.Errorf("policy %s: max_order_value must be positive", name)
		}
		return p.compile()
	}

	fallback := file.Default
	if err := check("default", &fallback); err != nil {
		return err
	}
	accounts := make(map[string]*AccountPolicy, len(file.Accounts))
	for id, p := range file.Accounts {
		p := p
		if err := check(id, &p); err != nil {
			return err
		}
		accounts[id] = &p
	}

	s.mu.Lock()
	s.fallback = &fallback
	s.accounts = accounts
	s.mu.Unlock()
	return nil
}

func (s *PolicyStore) PolicyFor(_ context.Context, accountID string) (*AccountPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.accounts[accountID]; ok {
		return p, nil
	}
	return s.fallback, nil
}
