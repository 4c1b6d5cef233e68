// Package evaluator implements the flag decision procedure: targeting
// toggle, prerequisites, explicit targets, rule matching, rollout bucketing
// and fallthrough, plus segment membership including big segments.
//
// Evaluation is a pure read: it never blocks on network I/O and never
// returns an error to the caller. Every failure mode resolves to a Detail
// with an ERROR reason.
package evaluator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

// DataProvider is the evaluator's read-only view of the data store.
type DataProvider interface {
	// GetFeatureFlag returns the flag with the given key, if present and not
	// deleted.
	GetFeatureFlag(key string) (*model.FeatureFlag, bool)

	// GetSegment returns the segment with the given key, if present and not
	// deleted.
	GetSegment(key string) (*model.Segment, bool)
}

// BigSegmentProvider resolves big segment memberships. Implementations must
// not block on network I/O beyond a bounded store query; the evaluator
// treats every failure as non-membership plus a status annotation.
type BigSegmentProvider interface {
	// GetMembership returns the membership record for the given context key
	// (unhashed) along with the store's health at query time. A nil record
	// means no information.
	GetMembership(contextKey string) (subsystems.BigSegmentMembership, evaluation.BigSegmentsStatus)
}

// PrerequisiteEvent describes one prerequisite evaluation performed while
// evaluating a parent flag. Prerequisite evaluations are always observed,
// including on failure, so analytics can explain why the parent resolved as
// it did.
type PrerequisiteEvent struct {
	// TargetFlagKey is the flag whose prerequisite list triggered this
	// evaluation.
	TargetFlagKey string
	// Context is the evaluation context.
	Context evalcontext.Context
	// PrerequisiteFlag is the flag that was evaluated.
	PrerequisiteFlag *model.FeatureFlag
	// Result is the prerequisite's own evaluation result.
	Result evaluation.Detail
}

// PrerequisiteEventRecorder receives prerequisite evaluation events in
// depth-first post-order (nested prerequisites before their dependents).
type PrerequisiteEventRecorder func(PrerequisiteEvent)

// Evaluator evaluates feature flags against contexts. It is stateless apart
// from its collaborators and safe for concurrent use.
type Evaluator struct {
	data        DataProvider
	bigSegments BigSegmentProvider
	logger      *slog.Logger
}

// New creates an Evaluator. bigSegments may be nil when no big segment store
// is configured. A nil logger defaults to slog.Default().
func New(data DataProvider, bigSegments BigSegmentProvider, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{data: data, bigSegments: bigSegments, logger: logger}
}

// errMalformedFlag marks structurally invalid flag data found during
// evaluation. It is recoverable per call: the caller gets an ERROR detail,
// never a panic.
type errMalformedFlag struct{ reason string }

func (e errMalformedFlag) Error() string { return "malformed flag: " + e.reason }

// Evaluate runs the full decision procedure for one flag. The returned
// Detail carries a nil Value with VariationIndex NoVariation when the
// caller's default should apply. recorder may be nil.
func (e *Evaluator) Evaluate(
	flag *model.FeatureFlag,
	context evalcontext.Context,
	recorder PrerequisiteEventRecorder,
) (detail evaluation.Detail) {
	if err := context.Err(); err != nil {
		e.logger.Warn("flag evaluated against invalid context",
			slog.String("flag_key", flag.Key),
			slog.String("error", err.Error()),
		)
		return evaluation.NewErrorDetail(evaluation.ErrUserNotSpecified, nil)
	}

	scope := evalScope{
		owner:    e,
		context:  context,
		recorder: recorder,
	}

	// The evaluation path must never raise across the public boundary; an
	// unexpected panic converts to an EXCEPTION detail.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unexpected panic during flag evaluation",
				slog.String("flag_key", flag.Key),
				slog.Any("panic", r),
			)
			detail = evaluation.NewErrorDetail(evaluation.ErrException, nil)
		}
	}()

	detail = scope.evaluateFlag(flag)
	if scope.bigSegmentsStatus != "" {
		detail.Reason = detail.Reason.WithBigSegmentsStatus(scope.bigSegmentsStatus)
	}
	return detail
}

// evalScope is the per-evaluation scratch state: prerequisite and segment
// chains for cycle detection, the recorder, and any big segment lookups
// performed so far.
type evalScope struct {
	owner             *Evaluator
	context           evalcontext.Context
	recorder          PrerequisiteEventRecorder
	prerequisiteChain []string
	segmentChain      []string
	bigSegmentsStatus evaluation.BigSegmentsStatus
	memberships       map[string]subsystems.BigSegmentMembership
}

func (es *evalScope) evaluateFlag(flag *model.FeatureFlag) evaluation.Detail {
	if err := checkFlagShape(flag); err != nil {
		return es.malformed(flag, err)
	}

	if !flag.On {
		return es.offValue(flag, evaluation.NewOffReason())
	}

	if detail, failed := es.checkPrerequisites(flag); failed {
		return detail
	}

	if detail, matched := es.checkTargets(flag); matched {
		return detail
	}

	for index := range flag.Rules {
		rule := &flag.Rules[index]
		matched, err := es.ruleMatchesContext(rule)
		if err != nil {
			return es.malformed(flag, err)
		}
		if matched {
			return es.resolveVariationOrRollout(flag, rule.VariationOrRollout,
				evaluation.NewRuleMatchReason(index, rule.ID),
				evaluation.NewRuleMatchExperimentReason(index, rule.ID))
		}
	}

	return es.resolveVariationOrRollout(flag, flag.Fallthrough,
		evaluation.NewFallthroughReason(),
		evaluation.NewFallthroughExperimentReason())
}

// checkFlagShape validates every variation index the flag references before
// any targeting logic runs, so a malformed flag fails fast and identically
// no matter which branch an evaluation would have taken.
func checkFlagShape(flag *model.FeatureFlag) error {
	inRange := func(index int) bool { return index >= 0 && index < len(flag.Variations) }
	if flag.OffVariation != nil && !inRange(*flag.OffVariation) {
		return errMalformedFlag{reason: fmt.Sprintf("off variation index %d out of range", *flag.OffVariation)}
	}
	if err := checkVariationOrRollout(flag, flag.Fallthrough, "fallthrough"); err != nil {
		return err
	}
	for i := range flag.Rules {
		if err := checkVariationOrRollout(flag, flag.Rules[i].VariationOrRollout, "rule"); err != nil {
			return err
		}
	}
	for i := range flag.Targets {
		if !inRange(flag.Targets[i].Variation) {
			return errMalformedFlag{reason: fmt.Sprintf("target variation index %d out of range", flag.Targets[i].Variation)}
		}
	}
	for i := range flag.ContextTargets {
		if !inRange(flag.ContextTargets[i].Variation) {
			return errMalformedFlag{reason: fmt.Sprintf("target variation index %d out of range", flag.ContextTargets[i].Variation)}
		}
	}
	for i := range flag.Prerequisites {
		if !inRange(flag.Prerequisites[i].Variation) {
			return errMalformedFlag{reason: fmt.Sprintf("prerequisite variation index %d out of range", flag.Prerequisites[i].Variation)}
		}
	}
	return nil
}

func checkVariationOrRollout(flag *model.FeatureFlag, vr model.VariationOrRollout, where string) error {
	if vr.Variation != nil {
		if *vr.Variation < 0 || *vr.Variation >= len(flag.Variations) {
			return errMalformedFlag{reason: fmt.Sprintf("%s variation index %d out of range", where, *vr.Variation)}
		}
		return nil
	}
	if vr.Rollout == nil || len(vr.Rollout.Variations) == 0 {
		return errMalformedFlag{reason: where + " has neither variation nor a non-empty rollout"}
	}
	for _, wv := range vr.Rollout.Variations {
		if wv.Variation < 0 || wv.Variation >= len(flag.Variations) {
			return errMalformedFlag{reason: fmt.Sprintf("%s rollout variation index %d out of range", where, wv.Variation)}
		}
	}
	return nil
}

// checkPrerequisites evaluates the flag's prerequisites depth-first. The
// second return value is true if evaluation should stop with the returned
// detail: either a prerequisite failed (off value with PREREQUISITE_FAILED)
// or the data was malformed.
func (es *evalScope) checkPrerequisites(flag *model.FeatureFlag) (evaluation.Detail, bool) {
	if len(flag.Prerequisites) == 0 {
		return evaluation.Detail{}, false
	}
	es.prerequisiteChain = append(es.prerequisiteChain, flag.Key)
	defer func() { es.prerequisiteChain = es.prerequisiteChain[:len(es.prerequisiteChain)-1] }()

	for _, prereq := range flag.Prerequisites {
		for _, inChain := range es.prerequisiteChain {
			if prereq.Key == inChain {
				err := errMalformedFlag{reason: fmt.Sprintf("prerequisite cycle through %q", prereq.Key)}
				return es.malformed(flag, err), true
			}
		}
		prereqFlag, found := es.owner.data.GetFeatureFlag(prereq.Key)
		if !found {
			return es.offValue(flag, evaluation.NewPrerequisiteFailedReason(prereq.Key)), true
		}
		// Recursion happens before the event is recorded, so events for
		// nested prerequisites surface in depth-first post-order.
		result := es.evaluateFlag(prereqFlag)
		if es.recorder != nil {
			es.recorder(PrerequisiteEvent{
				TargetFlagKey:    flag.Key,
				Context:          es.context,
				PrerequisiteFlag: prereqFlag,
				Result:           result,
			})
		}
		if result.Reason.Kind() == evaluation.ReasonError {
			err := errMalformedFlag{reason: fmt.Sprintf("prerequisite %q failed to evaluate", prereq.Key)}
			return es.malformed(flag, err), true
		}
		if !prereqFlag.On || result.VariationIndex != prereq.Variation {
			return es.offValue(flag, evaluation.NewPrerequisiteFailedReason(prereq.Key)), true
		}
	}
	return evaluation.Detail{}, false
}

// checkTargets looks for the context's keys in the flag's explicit target
// lists. ContextTargets, when present, defines the evaluation order across
// kinds; a user-kind entry with no values defers to the corresponding legacy
// Targets entry.
func (es *evalScope) checkTargets(flag *model.FeatureFlag) (evaluation.Detail, bool) {
	if len(flag.ContextTargets) == 0 {
		for i := range flag.Targets {
			target := &flag.Targets[i]
			if es.targetHasContext(target.Kind(), target) {
				return es.variationValue(flag, target.Variation, evaluation.NewTargetMatchReason()), true
			}
		}
		return evaluation.Detail{}, false
	}
	for i := range flag.ContextTargets {
		target := &flag.ContextTargets[i]
		if target.Kind() == evalcontext.DefaultKind && len(target.Values) == 0 {
			for j := range flag.Targets {
				userTarget := &flag.Targets[j]
				if userTarget.Variation == target.Variation &&
					es.targetHasContext(evalcontext.DefaultKind, userTarget) {
					return es.variationValue(flag, target.Variation, evaluation.NewTargetMatchReason()), true
				}
			}
			continue
		}
		if es.targetHasContext(target.Kind(), target) {
			return es.variationValue(flag, target.Variation, evaluation.NewTargetMatchReason()), true
		}
	}
	return evaluation.Detail{}, false
}

func (es *evalScope) targetHasContext(kind evalcontext.Kind, target *model.Target) bool {
	individual, ok := es.context.IndividualContextByKind(kind)
	return ok && target.HasKey(individual.Key())
}

// ruleMatchesContext reports whether all of the rule's clauses match. A
// clause with an unknown operator is simply a non-match; it does not abort
// the flag evaluation, so later rules still get their turn.
func (es *evalScope) ruleMatchesContext(rule *model.FlagRule) (bool, error) {
	for i := range rule.Clauses {
		matched, err := es.clauseMatchesContext(&rule.Clauses[i])
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// resolveVariationOrRollout turns a fixed-variation-or-rollout result into a
// Detail, bucketing the context when a rollout is specified. The last
// rollout variation absorbs any rounding residue so the bucket space is
// fully covered.
func (es *evalScope) resolveVariationOrRollout(
	flag *model.FeatureFlag,
	vr model.VariationOrRollout,
	reason evaluation.Reason,
	experimentReason evaluation.Reason,
) evaluation.Detail {
	if vr.Variation != nil {
		return es.variationValue(flag, *vr.Variation, reason)
	}
	rollout := vr.Rollout
	if rollout == nil || len(rollout.Variations) == 0 {
		return es.malformed(flag, errMalformedFlag{reason: "result has neither variation nor a non-empty rollout"})
	}
	bucket := computeBucketValue(es.context, rollout.ContextKind, flag.Key, rollout.BucketBy, flag.Salt, rollout.Seed)
	cumulative := 0.0
	selected := rollout.Variations[len(rollout.Variations)-1]
	for _, wv := range rollout.Variations {
		cumulative += float64(wv.Weight) / 100000.0
		if bucket < cumulative {
			selected = wv
			break
		}
	}
	if rollout.IsExperiment() && !selected.Untracked {
		return es.variationValue(flag, selected.Variation, experimentReason)
	}
	return es.variationValue(flag, selected.Variation, reason)
}

func (es *evalScope) variationValue(flag *model.FeatureFlag, index int, reason evaluation.Reason) evaluation.Detail {
	if index < 0 || index >= len(flag.Variations) {
		return es.malformed(flag, errMalformedFlag{reason: fmt.Sprintf("variation index %d out of range", index)})
	}
	return evaluation.NewDetail(flag.Variations[index], index, reason)
}

func (es *evalScope) offValue(flag *model.FeatureFlag, reason evaluation.Reason) evaluation.Detail {
	if flag.OffVariation == nil {
		return evaluation.Detail{Value: nil, VariationIndex: evaluation.NoVariation, Reason: reason}
	}
	return es.variationValue(flag, *flag.OffVariation, reason)
}

func (es *evalScope) malformed(flag *model.FeatureFlag, err error) evaluation.Detail {
	var malformed errMalformedFlag
	if !errors.As(err, &malformed) {
		malformed = errMalformedFlag{reason: err.Error()}
	}
	es.owner.logger.Warn("flag data is malformed",
		slog.String("flag_key", flag.Key),
		slog.String("error", malformed.reason),
	)
	return evaluation.NewErrorDetail(evaluation.ErrMalformedFlag, nil)
}
