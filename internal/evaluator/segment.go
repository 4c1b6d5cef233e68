package evaluator

import (
	"fmt"
	"log/slog"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

// clauseMatchesContext is the full clause evaluation including segmentMatch,
// which requires store access. For segmentMatch the clause matches if ANY of
// the listed segments contains the context (OR), with negate applied to the
// combined result.
func (es *evalScope) clauseMatchesContext(c *model.Clause) (bool, error) {
	if c.Op != model.OperatorSegmentMatch {
		return matchClauseNoSegments(c, es.context)
	}
	matched := false
	for _, value := range c.Values {
		segmentKey, ok := value.(string)
		if !ok {
			continue
		}
		segment, found := es.owner.data.GetSegment(segmentKey)
		if !found {
			// A missing segment is not an error; the context is simply not
			// a member.
			es.owner.logger.Warn("clause references unknown segment",
				slog.String("segment_key", segmentKey),
			)
			continue
		}
		isMember, err := es.segmentMatchesContext(segment)
		if err != nil {
			return false, err
		}
		if isMember {
			matched = true
			break
		}
	}
	return maybeNegate(c, matched), nil
}

// segmentMatchesContext resolves segment membership. Resolution order: big
// segment store delegation for unbounded segments; otherwise the explicit
// include lists (inclusion beats exclusion), then the explicit exclude
// lists, then the segment's rules in order.
func (es *evalScope) segmentMatchesContext(segment *model.Segment) (bool, error) {
	for _, inChain := range es.segmentChain {
		if inChain == segment.Key {
			return false, errMalformedFlag{reason: fmt.Sprintf("segment cycle through %q", segment.Key)}
		}
	}

	if segment.Unbounded {
		return es.bigSegmentMatchesContext(segment), nil
	}

	for _, individual := range es.context.IndividualContexts() {
		if individual.Kind() == evalcontext.DefaultKind && segment.HasKeyInIncluded(individual.Key()) {
			return true, nil
		}
	}
	for i := range segment.IncludedContexts {
		target := &segment.IncludedContexts[i]
		if individual, ok := es.context.IndividualContextByKind(target.Kind()); ok && target.HasKey(individual.Key()) {
			return true, nil
		}
	}
	for _, individual := range es.context.IndividualContexts() {
		if individual.Kind() == evalcontext.DefaultKind && segment.HasKeyInExcluded(individual.Key()) {
			return false, nil
		}
	}
	for i := range segment.ExcludedContexts {
		target := &segment.ExcludedContexts[i]
		if individual, ok := es.context.IndividualContextByKind(target.Kind()); ok && target.HasKey(individual.Key()) {
			return false, nil
		}
	}

	if len(segment.Rules) == 0 {
		return false, nil
	}
	es.segmentChain = append(es.segmentChain, segment.Key)
	defer func() { es.segmentChain = es.segmentChain[:len(es.segmentChain)-1] }()

	for i := range segment.Rules {
		matched, err := es.segmentRuleMatchesContext(segment, &segment.Rules[i])
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// segmentRuleMatchesContext reports whether a segment rule matches: all
// clauses must match, and when a weight is present the context's bucket
// (computed from the segment's key and salt) must fall below it.
func (es *evalScope) segmentRuleMatchesContext(segment *model.Segment, rule *model.SegmentRule) (bool, error) {
	for i := range rule.Clauses {
		matched, err := es.clauseMatchesContext(&rule.Clauses[i])
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	if rule.Weight == nil {
		return true, nil
	}
	bucket := computeBucketValue(es.context, rule.RolloutContextKind, segment.Key, rule.BucketBy, segment.Salt, nil)
	return bucket < float64(*rule.Weight)/100000.0, nil
}

// bigSegmentMatchesContext delegates membership to the big segment store
// manager. The tri-state result maps included to member, excluded or unknown
// to non-member, and every lookup annotates the evaluation with the store's
// health status.
func (es *evalScope) bigSegmentMatchesContext(segment *model.Segment) bool {
	if segment.Generation == nil {
		// A big segment with no generation cannot be queried; the data is
		// out of sync with the store.
		es.noteBigSegmentsStatus(evaluation.BigSegmentsNotConfigured)
		return false
	}
	kind := segment.UnboundedContextKind
	if kind == "" {
		kind = evalcontext.DefaultKind
	}
	individual, ok := es.context.IndividualContextByKind(kind)
	if !ok {
		return false
	}
	membership := es.membershipForKey(individual.Key())
	if membership == nil {
		return false
	}
	included, found := membership[segment.BigSegmentRef()]
	return found && included
}

// membershipForKey queries the big segment provider at most once per context
// key per evaluation.
func (es *evalScope) membershipForKey(contextKey string) subsystems.BigSegmentMembership {
	if membership, done := es.memberships[contextKey]; done {
		return membership
	}
	if es.owner.bigSegments == nil {
		es.noteBigSegmentsStatus(evaluation.BigSegmentsNotConfigured)
		return nil
	}
	membership, status := es.owner.bigSegments.GetMembership(contextKey)
	es.noteBigSegmentsStatus(status)
	if es.memberships == nil {
		es.memberships = make(map[string]subsystems.BigSegmentMembership)
	}
	es.memberships[contextKey] = membership
	return membership
}

// noteBigSegmentsStatus records the status to attach to the final reason.
// When several lookups happen in one evaluation, the least healthy status
// wins.
func (es *evalScope) noteBigSegmentsStatus(status evaluation.BigSegmentsStatus) {
	if bigSegmentsStatusRank(status) > bigSegmentsStatusRank(es.bigSegmentsStatus) {
		es.bigSegmentsStatus = status
	}
}

func bigSegmentsStatusRank(status evaluation.BigSegmentsStatus) int {
	switch status {
	case evaluation.BigSegmentsHealthy:
		return 1
	case evaluation.BigSegmentsStale:
		return 2
	case evaluation.BigSegmentsStoreError:
		return 3
	case evaluation.BigSegmentsNotConfigured:
		return 4
	default:
		return 0
	}
}
