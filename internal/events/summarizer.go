package events

import "sort"

// nilVariation stands in for "no variation index" in counter keys, which
// happens when an evaluation errored or the flag was unknown.
const nilVariation = -1

// counterKey distinguishes summary counters within one flag: the same flag
// counts separately per variation served and per flag version.
type counterKey struct {
	variation int
	version   int
}

type counterValue struct {
	count     int
	value     any
	isUnknown bool
}

// flagSummary accumulates everything reported about one flag key during a
// flush window.
type flagSummary struct {
	defaultValue any
	contextKinds map[string]struct{}
	counters     map[counterKey]*counterValue
}

// eventSummarizer rolls individual evaluations up into per-flag counters so
// that high-volume flags cost one summary entry per window instead of one
// event per call. Methods are deliberately not thread-safe; they are only
// called from the processor's single dispatcher goroutine.
type eventSummarizer struct {
	flags     map[string]*flagSummary
	startDate int64
	endDate   int64
}

func newEventSummarizer() *eventSummarizer {
	return &eventSummarizer{flags: make(map[string]*flagSummary)}
}

func (s *eventSummarizer) isEmpty() bool { return len(s.flags) == 0 }

// add counts one evaluation.
func (s *eventSummarizer) add(e FeatureRequestEvent) {
	flag, ok := s.flags[e.FlagKey]
	if !ok {
		flag = &flagSummary{
			defaultValue: e.Default,
			contextKinds: make(map[string]struct{}),
			counters:     make(map[counterKey]*counterValue),
		}
		s.flags[e.FlagKey] = flag
	}
	for _, kind := range e.Context.Kinds() {
		flag.contextKinds[string(kind)] = struct{}{}
	}

	key := counterKey{variation: nilVariation}
	if e.Variation != nil {
		key.variation = *e.Variation
	}
	if e.Version != nil {
		key.version = *e.Version
	}
	if counter, ok := flag.counters[key]; ok {
		counter.count++
	} else {
		flag.counters[key] = &counterValue{
			count:     1,
			value:     e.Value,
			isUnknown: e.Version == nil,
		}
	}

	creationDate := toMillis(e.CreationDate)
	if s.startDate == 0 || creationDate < s.startDate {
		s.startDate = creationDate
	}
	if creationDate > s.endDate {
		s.endDate = creationDate
	}
}

func (s *eventSummarizer) reset() {
	s.flags = make(map[string]*flagSummary)
	s.startDate = 0
	s.endDate = 0
}

// output converts the accumulated state into the wire shape of a "summary"
// event body.
func (s *eventSummarizer) output() summaryOutput {
	features := make(map[string]summaryFlagOutput, len(s.flags))
	for flagKey, flag := range s.flags {
		kinds := make([]string, 0, len(flag.contextKinds))
		for kind := range flag.contextKinds {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)

		counters := make([]summaryCounterOutput, 0, len(flag.counters))
		for key, counter := range flag.counters {
			out := summaryCounterOutput{
				Value: counter.value,
				Count: counter.count,
			}
			if key.variation != nilVariation {
				variation := key.variation
				out.Variation = &variation
			}
			if counter.isUnknown {
				out.Unknown = true
			} else {
				version := key.version
				out.Version = &version
			}
			counters = append(counters, out)
		}

		features[flagKey] = summaryFlagOutput{
			Default:      flag.defaultValue,
			ContextKinds: kinds,
			Counters:     counters,
		}
	}
	return summaryOutput{
		Kind:      summaryEventKind,
		StartDate: s.startDate,
		EndDate:   s.endDate,
		Features:  features,
	}
}
