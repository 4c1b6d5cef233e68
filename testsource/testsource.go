// Package testsource provides a programmable data source for tests and
// local development: flags are defined in code through builders, applied
// immediately, and can be updated at runtime with every connected client
// seeing the change. No network access is involved.
package testsource

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

// TestData is a shared fixture: hand the same instance to one or more
// clients as their data source factory, then call Update to change flags on
// the fly.
type TestData struct {
	mu        sync.Mutex
	flags     map[string]*FlagBuilder
	versions  map[string]int
	instances []*testDataSource
}

// New creates an empty fixture.
func New() *TestData {
	return &TestData{
		flags:    make(map[string]*FlagBuilder),
		versions: make(map[string]int),
	}
}

// Flag returns a builder for the given flag key. If the flag was configured
// before, the builder starts from its current state; otherwise it starts as
// a boolean flag that is on and returns true for everyone. The builder has
// no effect until passed to Update.
func (t *TestData) Flag(key string) *FlagBuilder {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.flags[key]; ok {
		return existing.clone()
	}
	return newFlagBuilder(key)
}

// Update applies the builder's state, bumping the flag's version, and pushes
// the new flag to every client using this fixture.
func (t *TestData) Update(builder *FlagBuilder) {
	t.mu.Lock()
	t.versions[builder.key]++
	version := t.versions[builder.key]
	t.flags[builder.key] = builder.clone()
	flag := builder.build(version)
	instances := make([]*testDataSource, len(t.instances))
	copy(instances, t.instances)
	t.mu.Unlock()

	item := subsystems.ItemDescriptor{Version: version, Item: flag}
	for _, instance := range instances {
		instance.sink.Upsert(subsystems.DataKindFeatures, flag.Key, item)
	}
}

// CreateDataSource matches the client configuration's data source factory
// signature.
func (t *TestData) CreateDataSource(_ string, sink subsystems.DataSourceUpdateSink, _ *slog.Logger) (subsystems.DataSource, error) {
	instance := &testDataSource{owner: t, sink: sink}
	t.mu.Lock()
	t.instances = append(t.instances, instance)
	t.mu.Unlock()
	return instance, nil
}

func (t *TestData) makeAllData() []subsystems.Collection {
	t.mu.Lock()
	defer t.mu.Unlock()
	flags := subsystems.Collection{Kind: subsystems.DataKindFeatures}
	for key, builder := range t.flags {
		version := t.versions[key]
		flags.Items = append(flags.Items, subsystems.KeyedItemDescriptor{
			Key:  key,
			Item: subsystems.ItemDescriptor{Version: version, Item: builder.build(version)},
		})
	}
	return []subsystems.Collection{
		{Kind: subsystems.DataKindSegments},
		flags,
	}
}

func (t *TestData) closedInstance(instance *testDataSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.instances {
		if existing == instance {
			t.instances = append(t.instances[:i], t.instances[i+1:]...)
			return
		}
	}
}

type testDataSource struct {
	owner       *TestData
	sink        subsystems.DataSourceUpdateSink
	mu          sync.Mutex
	initialized bool
}

var _ subsystems.DataSource = (*testDataSource)(nil)

func (d *testDataSource) Start(closeWhenReady chan<- struct{}) {
	if d.sink.Init(d.owner.makeAllData()) {
		d.mu.Lock()
		d.initialized = true
		d.mu.Unlock()
		d.sink.UpdateStatus(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
	}
	if closeWhenReady != nil {
		close(closeWhenReady)
	}
}

func (d *testDataSource) IsInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

func (d *testDataSource) Close() error {
	d.owner.closedInstance(d)
	return nil
}

// FlagBuilder accumulates a flag definition. All methods mutate and return
// the same builder; TestData.Flag hands out fresh copies so builders are
// never shared.
type FlagBuilder struct {
	key                  string
	on                   bool
	variations           []any
	offVariation         int
	fallthroughVariation int
	targets              []model.Target
	rules                []ruleSpec
}

type ruleSpec struct {
	clauses   []model.Clause
	variation int
}

func newFlagBuilder(key string) *FlagBuilder {
	return &FlagBuilder{
		key:                  key,
		on:                   true,
		variations:           []any{true, false},
		offVariation:         1,
		fallthroughVariation: 0,
	}
}

func (b *FlagBuilder) clone() *FlagBuilder {
	copied := *b
	copied.variations = append([]any(nil), b.variations...)
	copied.targets = append([]model.Target(nil), b.targets...)
	copied.rules = append([]ruleSpec(nil), b.rules...)
	return &copied
}

// On sets flag targeting on or off.
func (b *FlagBuilder) On(on bool) *FlagBuilder {
	b.on = on
	return b
}

// Variations replaces the flag's variation values.
func (b *FlagBuilder) Variations(values ...any) *FlagBuilder {
	b.variations = values
	return b
}

// BooleanFlag resets to the default two-variation boolean shape: variation 0
// is true, variation 1 is false and is also the off variation.
func (b *FlagBuilder) BooleanFlag() *FlagBuilder {
	b.variations = []any{true, false}
	b.offVariation = 1
	b.fallthroughVariation = 0
	return b
}

// FallthroughVariation sets the variation served when no target or rule
// matches.
func (b *FlagBuilder) FallthroughVariation(index int) *FlagBuilder {
	b.fallthroughVariation = index
	return b
}

// OffVariation sets the variation served while the flag is off.
func (b *FlagBuilder) OffVariation(index int) *FlagBuilder {
	b.offVariation = index
	return b
}

// VariationForAll makes every context receive the given variation by turning
// the flag on and clearing targets and rules.
func (b *FlagBuilder) VariationForAll(index int) *FlagBuilder {
	b.on = true
	b.targets = nil
	b.rules = nil
	b.fallthroughVariation = index
	return b
}

// VariationForKey serves the given variation to one specific user key.
func (b *FlagBuilder) VariationForKey(key string, index int) *FlagBuilder {
	for i := range b.targets {
		if b.targets[i].Variation == index {
			b.targets[i].Values = append(b.targets[i].Values, key)
			return b
		}
	}
	b.targets = append(b.targets, model.Target{Values: []string{key}, Variation: index})
	return b
}

// IfMatch starts a rule matching contexts whose attribute equals any of the
// given values. Finish the rule with ThenReturn.
func (b *FlagBuilder) IfMatch(attribute string, values ...any) *RuleBuilder {
	return &RuleBuilder{
		flag: b,
		clauses: []model.Clause{{
			Attribute: attribute,
			Op:        model.OperatorIn,
			Values:    values,
		}},
	}
}

func (b *FlagBuilder) build(version int) *model.FeatureFlag {
	offVariation := b.offVariation
	fallthroughVariation := b.fallthroughVariation
	flag := &model.FeatureFlag{
		Key:          b.key,
		On:           b.on,
		Version:      version,
		Variations:   append([]any(nil), b.variations...),
		OffVariation: &offVariation,
		Fallthrough:  model.VariationOrRollout{Variation: &fallthroughVariation},
		Targets:      append([]model.Target(nil), b.targets...),
		Salt:         b.key,
	}
	for i, rule := range b.rules {
		variation := rule.variation
		flag.Rules = append(flag.Rules, model.FlagRule{
			ID:                 "rule" + strconv.Itoa(i),
			Clauses:            rule.clauses,
			VariationOrRollout: model.VariationOrRollout{Variation: &variation},
		})
	}
	flag.Preprocess()
	return flag
}

// RuleBuilder finishes a rule started with IfMatch.
type RuleBuilder struct {
	flag    *FlagBuilder
	clauses []model.Clause
}

// AndMatch adds another clause that must also match.
func (r *RuleBuilder) AndMatch(attribute string, values ...any) *RuleBuilder {
	r.clauses = append(r.clauses, model.Clause{
		Attribute: attribute,
		Op:        model.OperatorIn,
		Values:    values,
	})
	return r
}

// ThenReturn adds the rule to the flag and returns the flag builder.
func (r *RuleBuilder) ThenReturn(variation int) *FlagBuilder {
	r.flag.rules = append(r.flag.rules, ruleSpec{clauses: r.clauses, variation: variation})
	return r.flag
}
