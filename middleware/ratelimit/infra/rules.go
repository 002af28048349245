package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry resolve a regra aplicável com precedência de especificidade:
// endpoint exato > padrão (sintaxe path.Match) > default da dimensão >
// default global do arquivo.
//
// O snapshot é imutável e trocado atomicamente em cada reload; leitores nunca
// veem mutação. Overrides de runtime vivem no Redis com TTL próprio e entram
// no snapshot no próximo refresh, sem reiniciar o processo.
type Registry struct {
	path           string
	logger         *zap.Logger
	rdb            *redis.Client
	overridePrefix string

	snap atomic.Pointer[rulesSnapshot]

	// mu serializa escritores (reload/refresh); leitores só usam snap.
	mu        sync.Mutex
	base      *rulesSnapshot
	overrides map[string]domain.Rule
}

type rulesSnapshot struct {
	global    *domain.Rule
	types     map[domain.LimitType]typeRules
	overrides map[string]domain.Rule
}

type typeRules struct {
	def       *domain.Rule
	endpoints map[string]domain.Rule
	patterns  []patternRule
	penalty   domain.Penalty
}

type patternRule struct {
	match string
	rule  domain.Rule
}

// --- esquema YAML do arquivo de regras ---

type rulesFileYAML struct {
	Default *ruleYAML                `yaml:"default"`
	Types   map[string]typeRulesYAML `yaml:"types"`
}

type typeRulesYAML struct {
	Default   *ruleYAML           `yaml:"default"`
	Endpoints map[string]ruleYAML `yaml:"endpoints"`
	Patterns  []patternYAML       `yaml:"patterns"`
	Penalty   *penaltyYAML        `yaml:"penalty"`
}

type patternYAML struct {
	Match string   `yaml:"match"`
	Rule  ruleYAML `yaml:"rule"`
}

type ruleYAML struct {
	Capacity int    `yaml:"capacity"`
	Window   string `yaml:"window"`
	Burst    int    `yaml:"burst"`
}

type penaltyYAML struct {
	Threshold int    `yaml:"threshold"`
	Window    string `yaml:"window"`
	Duration  string `yaml:"duration"`
}

func (y ruleYAML) toRule(t domain.LimitType) (domain.Rule, error) {
	w, err := time.ParseDuration(y.Window)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("%w: bad window %q: %v", domain.ErrInvalidRule, y.Window, err)
	}
	r := domain.Rule{Type: t, Capacity: y.Capacity, Window: w, Burst: y.Burst}
	if err := r.Validate(); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func (y penaltyYAML) toPenalty() (domain.Penalty, error) {
	var p domain.Penalty
	p.Threshold = y.Threshold
	if y.Window != "" {
		w, err := time.ParseDuration(y.Window)
		if err != nil {
			return p, fmt.Errorf("%w: bad penalty window %q: %v", domain.ErrInvalidRule, y.Window, err)
		}
		p.Window = w
	}
	if y.Duration != "" {
		d, err := time.ParseDuration(y.Duration)
		if err != nil {
			return p, fmt.Errorf("%w: bad penalty duration %q: %v", domain.ErrInvalidRule, y.Duration, err)
		}
		p.Duration = d
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

type RegistryOption func(*Registry)

func WithRulesLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithOverrideStore habilita overrides de runtime persistidos no Redis.
func WithOverrideStore(rdb *redis.Client, prefix string) RegistryOption {
	return func(r *Registry) {
		r.rdb = rdb
		r.overridePrefix = prefix
	}
}

// NewRegistry carrega o arquivo e retorna o registro pronto para Lookup.
func NewRegistry(rulesPath string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		path:           rulesPath,
		logger:         zap.NewNop(),
		overridePrefix: "rl:override:",
		overrides:      map[string]domain.Rule{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if rulesPath != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Reload relê o arquivo de regras. Arquivo inválido aborta o reload e mantém
// o snapshot anterior: nunca aplicamos uma regra quebrada em silêncio.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	return r.LoadBytes(data)
}

// LoadBytes valida e aplica um corpo YAML de regras.
func (r *Registry) LoadBytes(data []byte) error {
	var file rulesFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: parse rules: %v", domain.ErrInvalidRule, err)
	}

	base := &rulesSnapshot{types: map[domain.LimitType]typeRules{}}

	if file.Default != nil {
		rule, err := file.Default.toRule(domain.LimitGlobal)
		if err != nil {
			return err
		}
		base.global = &rule
	}

	for name, ty := range file.Types {
		t := domain.LimitType(name)
		if !t.Valid() {
			return fmt.Errorf("%w: unknown limit type %q in rules file", domain.ErrInvalidRule, name)
		}
		tr := typeRules{endpoints: map[string]domain.Rule{}}

		if ty.Default != nil {
			rule, err := ty.Default.toRule(t)
			if err != nil {
				return err
			}
			tr.def = &rule
		}
		for ep, ry := range ty.Endpoints {
			rule, err := ry.toRule(t)
			if err != nil {
				return err
			}
			tr.endpoints[ep] = rule
		}
		for _, py := range ty.Patterns {
			if _, err := path.Match(py.Match, "probe"); err != nil {
				return fmt.Errorf("%w: bad pattern %q: %v", domain.ErrInvalidRule, py.Match, err)
			}
			rule, err := py.Rule.toRule(t)
			if err != nil {
				return err
			}
			tr.patterns = append(tr.patterns, patternRule{match: py.Match, rule: rule})
		}
		if ty.Penalty != nil {
			pen, err := ty.Penalty.toPenalty()
			if err != nil {
				return err
			}
			tr.penalty = pen
		}
		base.types[t] = tr
	}

	r.mu.Lock()
	r.base = base
	r.swapLocked()
	r.mu.Unlock()
	return nil
}

// swapLocked monta o snapshot publicado a partir da base + overrides correntes.
func (r *Registry) swapLocked() {
	if r.base == nil {
		return
	}
	snap := &rulesSnapshot{
		global:    r.base.global,
		types:     r.base.types,
		overrides: make(map[string]domain.Rule, len(r.overrides)),
	}
	for k, v := range r.overrides {
		snap.overrides[k] = v
	}
	r.snap.Store(snap)
}

// Lookup implementa domain.RuleSource.
func (r *Registry) Lookup(t domain.LimitType, endpoint string) (domain.Rule, bool) {
	s := r.snap.Load()
	if s == nil {
		return domain.Rule{}, false
	}
	tr := s.types[t]

	if endpoint != "" {
		if ov, ok := s.overrides[overrideKey(t, endpoint)]; ok {
			return ov, true
		}
		if rule, ok := tr.endpoints[endpoint]; ok {
			return rule, true
		}
		for _, p := range tr.patterns {
			if ok, _ := path.Match(p.match, endpoint); ok {
				return p.rule, true
			}
		}
	}
	if ov, ok := s.overrides[overrideKey(t, "")]; ok {
		return ov, true
	}
	if tr.def != nil {
		return *tr.def, true
	}
	if s.global != nil {
		rule := *s.global
		rule.Type = t
		return rule, true
	}
	return domain.Rule{}, false
}

// Penalty implementa domain.RuleSource.
func (r *Registry) Penalty(t domain.LimitType) domain.Penalty {
	s := r.snap.Load()
	if s == nil {
		return domain.Penalty{}
	}
	return s.types[t].penalty
}

func overrideKey(t domain.LimitType, endpoint string) string {
	if endpoint == "" {
		return string(t)
	}
	return string(t) + ":" + endpoint
}

// --- overrides de runtime (Redis, TTL próprio) ---

type overrideJSON struct {
	Capacity      int   `json:"capacity"`
	WindowSeconds int64 `json:"window_seconds"`
	Burst         int   `json:"burst"`
}

// SetOverride grava um override com TTL e o aplica no próximo refresh
// (chamamos RefreshOverrides na sequência para aplicar já nesta instância).
func (r *Registry) SetOverride(ctx context.Context, t domain.LimitType, endpoint string, rule domain.Rule, ttl time.Duration) error {
	if r.rdb == nil {
		return fmt.Errorf("override store not configured")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(overrideJSON{
		Capacity:      rule.Capacity,
		WindowSeconds: int64(rule.Window / time.Second),
		Burst:         rule.Burst,
	})
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.overridePrefix+overrideKey(t, endpoint), body, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return r.RefreshOverrides(ctx)
}

// DeleteOverride remove um override antes do TTL.
func (r *Registry) DeleteOverride(ctx context.Context, t domain.LimitType, endpoint string) error {
	if r.rdb == nil {
		return fmt.Errorf("override store not configured")
	}
	if err := r.rdb.Del(ctx, r.overridePrefix+overrideKey(t, endpoint)).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return r.RefreshOverrides(ctx)
}

// RefreshOverrides varre o namespace de overrides e troca o snapshot.
// Falha de Redis mantém os overrides anteriores (best-effort).
func (r *Registry) RefreshOverrides(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}
	found := map[string]domain.Rule{}

	iter := r.rdb.Scan(ctx, 0, r.overridePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		body, err := r.rdb.Get(ctx, full).Bytes()
		if err != nil {
			continue // expirou entre o SCAN e o GET
		}
		var ov overrideJSON
		if err := json.Unmarshal(body, &ov); err != nil {
			r.logger.Warn("ignoring malformed rate limit override", zap.String("key", full))
			continue
		}
		name := full[len(r.overridePrefix):]
		t, endpoint := splitOverrideKey(name)
		rule := domain.Rule{Type: t, Capacity: ov.Capacity, Window: time.Duration(ov.WindowSeconds) * time.Second, Burst: ov.Burst}
		if err := rule.Validate(); err != nil {
			r.logger.Warn("ignoring invalid rate limit override", zap.String("key", full), zap.Error(err))
			continue
		}
		found[overrideKey(t, endpoint)] = rule
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	r.mu.Lock()
	r.overrides = found
	r.swapLocked()
	r.mu.Unlock()
	return nil
}

func splitOverrideKey(name string) (domain.LimitType, string) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return domain.LimitType(name[:i]), name[i+1:]
		}
	}
	return domain.LimitType(name), ""
}

// Watch observa o arquivo de regras e recarrega a quente em cada escrita.
// Reload inválido só loga: o snapshot anterior continua valendo.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// observa o diretório: editores costumam trocar o arquivo por rename
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return err
	}

	base := filepath.Base(r.path)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Error("rules reload aborted, keeping previous snapshot", zap.Error(err))
					continue
				}
				r.logger.Info("rules reloaded", zap.String("file", r.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Error("rules watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// StartOverrideRefresh aplica overrides novos/expirados periodicamente.
func (r *Registry) StartOverrideRefresh(ctx context.Context, every time.Duration) {
	if r.rdb == nil || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.RefreshOverrides(ctx); err != nil {
					r.logger.Warn("override refresh failed", zap.Error(err))
				}
			}
		}
	}()
}
