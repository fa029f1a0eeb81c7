package reward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/atmx/session-engine/internal/model"
)

var (
	ErrEmptyCatalog  = errors.New("reward: catalog is empty")
	ErrInvalidReward = errors.New("reward: invalid catalog entry")
)

// StaticCatalog is a fixed in-memory catalog.
type StaticCatalog []model.Reward

// Rewards returns a copy of the catalog.
func (c StaticCatalog) Rewards(_ context.Context) ([]model.Reward, error) {
	out := make([]model.Reward, len(c))
	copy(out, c)
	return out, nil
}

// RewardLister is satisfied by the persistence layer.
type RewardLister interface {
	ListRewards(ctx context.Context) ([]model.Reward, error)
}

// StoreCatalog reads the catalog from the persistence layer on every call.
type StoreCatalog struct {
	Lister RewardLister
}

func (c StoreCatalog) Rewards(ctx context.Context) ([]model.Reward, error) {
	return c.Lister.ListRewards(ctx)
}

// fileEntry is the on-disk shape of one reward.
type fileEntry struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Emoji           string   `yaml:"emoji"`
	Description     string   `yaml:"description"`
	Tier            string   `yaml:"tier"`
	MinPnL          string   `yaml:"min_pnl"`
	MaxPnL          string   `yaml:"max_pnl"`
	MinLevel        int      `yaml:"min_level"`
	Instruments     []string `yaml:"instruments"`
	LeverageClasses []string `yaml:"leverage_classes"`
}

// fileConfig maps the catalog file.
type fileConfig struct {
	Rewards []fileEntry `yaml:"rewards"`
}

// Snapshot is one loaded version of the file catalog.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Rewards  []model.Reward
}

// ChangeListener is called after a successful reload.
type ChangeListener func(Snapshot)

// FileCatalog loads the reward catalog from a YAML file and reloads it when
// the file changes. A failed reload keeps the previous snapshot.
type FileCatalog struct {
	path string
	v    *viper.Viper
	log  *slog.Logger

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewFileCatalog reads path and starts watching it.
func NewFileCatalog(path string, logger *slog.Logger) (*FileCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("reward catalog requires path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read reward catalog: %w", err)
	}
	c := &FileCatalog{path: path, v: v, log: logger.With(slog.String("component", "reward_catalog"))}
	if err := c.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := c.reload(); err != nil {
			c.log.Error("reward catalog reload failed", "file", evt.Name, "err", err)
			return
		}
		c.notifyListeners()
	})
	v.WatchConfig()
	return c, nil
}

// Rewards returns the current catalog.
func (c *FileCatalog) Rewards(_ context.Context) ([]model.Reward, error) {
	snap := c.Snapshot()
	if len(snap.Rewards) == 0 {
		return nil, ErrEmptyCatalog
	}
	return snap.Rewards, nil
}

// Snapshot returns a copy of the current catalog version.
func (c *FileCatalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Version:  c.snapshot.Version,
		LoadedAt: c.snapshot.LoadedAt,
		Rewards:  append([]model.Reward(nil), c.snapshot.Rewards...),
	}
}

// OnChange registers fn to be called after each successful reload.
func (c *FileCatalog) OnChange(fn ChangeListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Reload forces a re-read of the catalog file.
func (c *FileCatalog) Reload() error {
	if err := c.reload(); err != nil {
		return err
	}
	c.notifyListeners()
	return nil
}

func (c *FileCatalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read reward catalog: %w", err)
	}
	rewards, err := ParseCatalog(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshot = Snapshot{
		Version:  c.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Rewards:  rewards,
	}
	c.mu.Unlock()
	c.log.Info("reward catalog loaded", "count", len(rewards), "file", filepath.Base(c.path))
	return nil
}

func (c *FileCatalog) notifyListeners() {
	snap := c.Snapshot()
	c.mu.RLock()
	listeners := append([]ChangeListener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(snap)
		}
	}
}

// ParseCatalog decodes a YAML catalog document. Unknown fields are rejected.
func ParseCatalog(raw []byte) ([]model.Reward, error) {
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse reward catalog: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Rewards))
	out := make([]model.Reward, 0, len(cfg.Rewards))
	for i, e := range cfg.Rewards {
		r, err := e.toReward()
		if err != nil {
			return nil, fmt.Errorf("reward #%d: %w", i, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidReward, r.ID)
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

func (e fileEntry) toReward() (model.Reward, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return model.Reward{}, fmt.Errorf("%w: missing id", ErrInvalidReward)
	}
	tier, ok := model.ParseTier(strings.ToLower(strings.TrimSpace(e.Tier)))
	if !ok {
		return model.Reward{}, fmt.Errorf("%w: %s has unknown tier %q", ErrInvalidReward, id, e.Tier)
	}
	minPnL, err := decimal.NewFromString(strings.TrimSpace(e.MinPnL))
	if err != nil {
		return model.Reward{}, fmt.Errorf("%w: %s min_pnl: %v", ErrInvalidReward, id, err)
	}
	maxPnL, err := decimal.NewFromString(strings.TrimSpace(e.MaxPnL))
	if err != nil {
		return model.Reward{}, fmt.Errorf("%w: %s max_pnl: %v", ErrInvalidReward, id, err)
	}
	if minPnL.GreaterThan(maxPnL) {
		return model.Reward{}, fmt.Errorf("%w: %s window is empty", ErrInvalidReward, id)
	}
	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = id
	}
	return model.Reward{
		ID:              id,
		Name:            name,
		Emoji:           e.Emoji,
		Description:     strings.TrimSpace(e.Description),
		Tier:            tier,
		MinPnL:          minPnL,
		MaxPnL:          maxPnL,
		MinLevel:        e.MinLevel,
		Instruments:     upperAll(e.Instruments),
		LeverageClasses: e.LeverageClasses,
	}, nil
}

func upperAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
