package listing

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ruleExtensions = []string{".yml", ".yaml"}

type ConfigCache struct {
	rulesDir string
	files    map[string]string
	cache    map[string]*Rule
	mu       sync.RWMutex
}

func NewConfigCache(rulesDir string) *ConfigCache {
	return &ConfigCache{
		rulesDir: rulesDir,
		files:    make(map[string]string),
		cache:    make(map[string]*Rule),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.rulesDir); os.IsNotExist(err) {
		return nil
	}

	for _, ext := range ruleExtensions {
		files, err := filepath.Glob(filepath.Join(cc.rulesDir, "*"+ext))
		if err != nil {
			return fmt.Errorf("failed to find rule files: %w", err)
		}

		for _, file := range files {
			// Derive rule name from filename
			ruleName := strings.TrimSuffix(filepath.Base(file), ext)

			cc.mu.Lock()
			if existing, ok := cc.files[ruleName]; ok && existing != file {
				cc.mu.Unlock()
				return fmt.Errorf("duplicate rule %q defined by %s and %s", ruleName, existing, file)
			}
			cc.files[ruleName] = file
			cc.mu.Unlock()

			rule, err := cc.LoadRule(ruleName)
			if err != nil {
				return fmt.Errorf("error loading %s: %w", file, err)
			}

			slog.Debug("Rule loaded", "rule", ruleName, "enabled", rule.IsEnabled(), "locales", rule.Locales)
		}
	}

	return nil
}

func (cc *ConfigCache) LoadRule(ruleName string) (*Rule, error) {
	ruleFile := cc.getRuleFilePath(ruleName)
	rule, err := cc.parseRule(ruleFile)
	if err != nil {
		return nil, err
	}

	// Set rule name from parameter
	rule.Name = ruleName

	if err := cc.validateRule(rule); err != nil {
		return nil, fmt.Errorf("invalid rule %s: %w", ruleFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[rule.Name] = rule

	return rule, nil
}

func (cc *ConfigCache) GetRule(ruleName string) (*Rule, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	rule, ok := cc.cache[ruleName]
	if !ok {
		return nil, fmt.Errorf("rule with name '%s' not found", ruleName)
	}
	return rule, nil
}

// GetRules returns every cached rule sorted by name.
func (cc *ConfigCache) GetRules() []*Rule {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	rules := make([]*Rule, 0, len(cc.cache))
	for _, rule := range cc.cache {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

func (cc *ConfigCache) GetEnabledRules() []*Rule {
	all := cc.GetRules()

	enabled := make([]*Rule, 0, len(all))
	for _, rule := range all {
		if rule.IsEnabled() {
			enabled = append(enabled, rule)
		}
	}
	return enabled
}

func (cc *ConfigCache) GetRuleCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func (cc *ConfigCache) parseRule(ruleFile string) (*Rule, error) {
	data, err := os.ReadFile(ruleFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(rule.Locales) == 0 {
		rule.Locales = []string{"en"}
	}
	if rule.Enabled == nil {
		enabled := true
		rule.Enabled = &enabled
	}

	return &rule, nil
}

func (cc *ConfigCache) validateRule(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}

	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(rule.Keywords) == 0 {
		return fmt.Errorf("keywords are required")
	}
	for i, keyword := range rule.Keywords {
		if strings.TrimSpace(keyword) == "" {
			return fmt.Errorf("empty keyword at index %d", i)
		}
	}

	nonNegativePrices := map[string]*float64{
		"price_min": rule.PriceMin,
		"price_max": rule.PriceMax,
	}

	for fieldName, fieldValue := range nonNegativePrices {
		if fieldValue != nil && *fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if rule.PriceMin != nil && rule.PriceMax != nil && *rule.PriceMin > *rule.PriceMax {
		return fmt.Errorf("price_min must not exceed price_max")
	}

	if rule.MinSellerRating != nil && (*rule.MinSellerRating < 0 || *rule.MinSellerRating > 5) {
		return fmt.Errorf("min_seller_rating must be between 0 and 5")
	}

	nonNegativeFields := map[string]int{
		"max_batch_size": rule.MaxBatchSize,
	}
	if rule.CooldownMinutes != nil {
		nonNegativeFields["cooldown_minutes"] = *rule.CooldownMinutes
	}
	if rule.MinSellerReviews != nil {
		nonNegativeFields["min_seller_reviews"] = *rule.MinSellerReviews
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	for i, locale := range rule.Locales {
		if strings.TrimSpace(locale) == "" {
			return fmt.Errorf("empty locale at index %d", i)
		}
	}

	return nil
}

func (cc *ConfigCache) getRuleFilePath(ruleName string) string {
	cc.mu.RLock()
	file, ok := cc.files[ruleName]
	cc.mu.RUnlock()
	if ok {
		return file
	}

	for _, ext := range ruleExtensions {
		candidate := filepath.Join(cc.rulesDir, ruleName+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join(cc.rulesDir, ruleName+".yml")
}
