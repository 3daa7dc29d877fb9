// Package rules compiles alert rule expressions with gval and loads rule sets
// from YAML files or the rule store.
package rules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/validator"
)

var language = gval.Full()

// Compiled is a rule with its parsed expression. Err is set when the
// expression does not parse; such a rule is kept so evaluation can report it.
type Compiled struct {
	Rule alert.Rule
	Err  error
	eval gval.Evaluable
}

// Compile parses the rule expression
func Compile(rule alert.Rule) *Compiled {
	c := &Compiled{Rule: rule}
	eval, err := language.NewEvaluable(rule.Expression)
	if err != nil {
		c.Err = fmt.Errorf("parse expression of rule %s: %w", rule.ID, err)
		return c
	}
	c.eval = eval
	return c
}

// Eval evaluates the expression against params. Unknown parameters are errors.
func (c *Compiled) Eval(ctx context.Context, params map[string]interface{}) (bool, error) {
	if c.Err != nil {
		return false, c.Err
	}
	ok, err := c.eval.EvalBool(ctx, params)
	if err != nil {
		return false, fmt.Errorf("evaluate rule %s: %w", c.Rule.ID, err)
	}
	return ok, nil
}

type fileRule struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Expression string        `yaml:"expression"`
	Severity   string        `yaml:"severity"`
	Group      string        `yaml:"group"`
	Priority   int           `yaml:"priority"`
	Scope      alert.Scope   `yaml:"scope"`
	For        time.Duration `yaml:"for"`
	Message    string        `yaml:"message"`
	Enabled    *bool         `yaml:"enabled"`
}

type file struct {
	Rules []fileRule `yaml:"rules"`
}

// Parse decodes a YAML rule set. Rules are enabled unless stated otherwise.
func Parse(data []byte) ([]alert.Rule, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	out := make([]alert.Rule, 0, len(f.Rules))
	for _, fr := range f.Rules {
		out = append(out, alert.Rule{
			ID:         fr.ID,
			Name:       fr.Name,
			Expression: fr.Expression,
			Severity:   fr.Severity,
			Group:      fr.Group,
			Priority:   fr.Priority,
			Scope:      fr.Scope,
			For:        fr.For,
			Message:    fr.Message,
			Enabled:    fr.Enabled == nil || *fr.Enabled,
		})
	}
	return out, nil
}

// LoadFile reads and validates a YAML rule file
func LoadFile(path string) ([]alert.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate checks field constraints, duplicate ids and expressions
func Validate(rules []alert.Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := validator.Struct(r); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if r.ID == alert.FlappingRuleID {
			return fmt.Errorf("rule id %q is reserved", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if c := Compile(r); c.Err != nil {
			return c.Err
		}
	}
	return nil
}

// Sort orders rules by priority, then id
func Sort(compiled []*Compiled) {
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].Rule, compiled[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

const cacheKey = "enabled"

// Store serves the compiled enabled rule set, refreshed from the rule repository
// once the cached copy expires.
type Store struct {
	repo   alert.RuleRepository
	cache  *ttlcache.Cache[string, []*Compiled]
	logger *logger.Logger
}

// NewStore creates a store backed by repo
func NewStore(repo alert.RuleRepository, ttl time.Duration, log *logger.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		repo: repo,
		cache: ttlcache.New[string, []*Compiled](
			ttlcache.WithTTL[string, []*Compiled](ttl),
			ttlcache.WithDisableTouchOnHit[string, []*Compiled](),
		),
		logger: log,
	}
}

// NewStaticStore returns a store holding a fixed rule set
func NewStaticStore(rules []alert.Rule) *Store {
	s := &Store{
		cache:  ttlcache.New[string, []*Compiled](),
		logger: logger.Nop(),
	}
	s.cache.Set(cacheKey, compileEnabled(rules), ttlcache.NoTTL)
	return s
}

// Rules returns the enabled rules in evaluation order
func (s *Store) Rules(ctx context.Context) ([]*Compiled, error) {
	if item := s.cache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	if s.repo == nil {
		return nil, nil
	}

	rules, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	compiled := compileEnabled(rules)
	for _, c := range compiled {
		if c.Err != nil {
			s.logger.WithFields(map[string]interface{}{
				"rule_id": c.Rule.ID,
			}).WarnWithErr(c.Err, "Rule expression does not compile")
		}
	}
	s.cache.Set(cacheKey, compiled, ttlcache.DefaultTTL)
	return compiled, nil
}

// Invalidate forces the next Rules call to reload from the repository
func (s *Store) Invalidate() {
	if s.repo != nil {
		s.cache.Delete(cacheKey)
	}
}

// Replace installs a new rule set
func (s *Store) Replace(rules []alert.Rule) {
	ttl := ttlcache.DefaultTTL
	if s.repo == nil {
		ttl = ttlcache.NoTTL
	}
	s.cache.Set(cacheKey, compileEnabled(rules), ttl)
}

func compileEnabled(rules []alert.Rule) []*Compiled {
	enabled := lo.Filter(rules, func(r alert.Rule, _ int) bool { return r.Enabled })
	compiled := lo.Map(enabled, func(r alert.Rule, _ int) *Compiled { return Compile(r) })
	Sort(compiled)
	return compiled
}
