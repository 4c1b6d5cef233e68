package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/internal/metrics"
	"github.com/rafaeljc/bifrost/subsystems"
)

const (
	defaultCapacity                 = 10000
	defaultFlushInterval            = 5 * time.Second
	defaultContextKeysCapacity      = 1000
	defaultContextKeysFlushInterval = 5 * time.Minute

	defaultDiagnosticRecordingInterval = 15 * time.Minute
	minDiagnosticRecordingInterval     = time.Minute
)

// Config carries the event pipeline's tunables. Zero values get defaults.
type Config struct {
	// Capacity bounds the inbox and the output buffer. Overflow drops
	// events; it never blocks the caller.
	Capacity int
	// FlushInterval is how often buffered events are delivered.
	FlushInterval time.Duration
	// ContextKeysCapacity bounds the index-event deduplication cache.
	ContextKeysCapacity int
	// ContextKeysFlushInterval is how long a context key suppresses further
	// index events.
	ContextKeysFlushInterval time.Duration
	// AllAttributesPrivate redacts every context attribute in payloads.
	AllAttributesPrivate bool
	// PrivateAttributes redacts the referenced attributes in payloads.
	PrivateAttributes []evalcontext.Ref
	// DiagnosticOptOut disables diagnostic events entirely.
	DiagnosticOptOut bool
	// DiagnosticRecordingInterval is how often periodic diagnostic stats are
	// sent. It is clamped to at least one minute.
	DiagnosticRecordingInterval time.Duration
	// SDKKey is only used to derive the non-secret suffix in diagnostics.
	SDKKey string
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.ContextKeysCapacity <= 0 {
		c.ContextKeysCapacity = defaultContextKeysCapacity
	}
	if c.ContextKeysFlushInterval <= 0 {
		c.ContextKeysFlushInterval = defaultContextKeysFlushInterval
	}
	if c.DiagnosticRecordingInterval <= 0 {
		c.DiagnosticRecordingInterval = defaultDiagnosticRecordingInterval
	}
	if c.DiagnosticRecordingInterval < minDiagnosticRecordingInterval {
		c.DiagnosticRecordingInterval = minDiagnosticRecordingInterval
	}
}

type eventMessage struct{ event Event }
type flushMessage struct{}
type syncMessage struct{ reply chan struct{} }
type shutdownMessage struct{ reply chan struct{} }

// Processor is the caller-facing half of the pipeline: Record methods
// enqueue onto a bounded channel and return immediately. All state lives in
// the dispatcher goroutine, so no locks guard the summarizer or buffers.
type Processor struct {
	inbox     chan any
	logger    *slog.Logger
	closeOnce sync.Once

	// inboxDropped is written by callers and read by the dispatcher for
	// diagnostics, hence the atomic.
	inboxDropped atomic.Int64
	wg           sync.WaitGroup
	done         chan struct{}
}

// NewProcessor starts the pipeline: the dispatcher goroutine, its flush
// ticker, and (unless opted out) the diagnostics ticker.
func NewProcessor(cfg Config, sender subsystems.EventSender, logger *slog.Logger) (*Processor, error) {
	if sender == nil {
		panic("events: event sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	seenContexts, err := otter.MustBuilder[string, struct{}](cfg.ContextKeysCapacity).
		WithTTL(cfg.ContextKeysFlushInterval).
		Build()
	if err != nil {
		return nil, err
	}

	p := &Processor{
		inbox:  make(chan any, cfg.Capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	d := &dispatcher{
		cfg:          cfg,
		sender:       sender,
		logger:       logger,
		processor:    p,
		formatter:    &outputFormatter{contexts: newContextFormatter(cfg.AllAttributesPrivate, cfg.PrivateAttributes)},
		summarizer:   newEventSummarizer(),
		seenContexts: seenContexts,
	}
	if !cfg.DiagnosticOptOut {
		d.diagnostics = newDiagnosticsManager(cfg)
		d.deliver(d.diagnostics.makeInitEvent(), true)
	}
	go d.run()
	return p, nil
}

// RecordFeatureRequestEvent enqueues one evaluation.
func (p *Processor) RecordFeatureRequestEvent(e FeatureRequestEvent) { p.enqueue(eventMessage{e}) }

// RecordIdentifyEvent enqueues an identify event.
func (p *Processor) RecordIdentifyEvent(e IdentifyEvent) { p.enqueue(eventMessage{e}) }

// RecordCustomEvent enqueues a custom event.
func (p *Processor) RecordCustomEvent(e CustomEvent) { p.enqueue(eventMessage{e}) }

// Flush asks for delivery of everything buffered so far. It returns without
// waiting for the delivery to finish.
func (p *Processor) Flush() { p.enqueue(flushMessage{}) }

// waitUntilDrained blocks until the dispatcher has processed every message
// enqueued before the call. Test hook.
func (p *Processor) waitUntilDrained() {
	reply := make(chan struct{})
	p.enqueue(syncMessage{reply: reply})
	<-reply
}

// Close flushes remaining events, waits for in-flight deliveries, and stops
// the dispatcher. It is idempotent.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		reply := make(chan struct{})
		// The shutdown message must get through even if the inbox is full.
		p.inbox <- shutdownMessage{reply: reply}
		<-reply
		p.wg.Wait()
		close(p.done)
	})
	return nil
}

func (p *Processor) enqueue(msg any) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.inbox <- msg:
	default:
		if _, ok := msg.(eventMessage); ok {
			metrics.EventsDroppedTotal.Inc()
			if p.inboxDropped.Add(1) == 1 {
				p.logger.Warn("event buffer is full, dropping events; increase the capacity setting")
			}
		}
	}
}

// dispatcher owns all pipeline state. Everything below runs on one
// goroutine except deliver, which hands payloads to short-lived senders.
type dispatcher struct {
	cfg          Config
	sender       subsystems.EventSender
	logger       *slog.Logger
	processor    *Processor
	formatter    *outputFormatter
	summarizer   *eventSummarizer
	seenContexts otter.Cache[string, struct{}]
	diagnostics  *diagnosticsManager

	buffer            []any
	bufferDroppedOnce bool
	deduplicatedContexts int64
	eventsInLastBatch    int

	// lastKnownPastTime is the latest server clock reading, in epoch ms,
	// used to stop emitting debug events once the deadline has passed on
	// the server even if the local clock is behind.
	lastKnownPastTime atomic.Int64
	// disabled flips when the service rejects our credentials.
	disabled atomic.Bool
}

func (d *dispatcher) run() {
	flushTicker := time.NewTicker(d.cfg.FlushInterval)
	defer flushTicker.Stop()

	var diagnosticCh <-chan time.Time
	if d.diagnostics != nil {
		diagnosticTicker := time.NewTicker(d.cfg.DiagnosticRecordingInterval)
		defer diagnosticTicker.Stop()
		diagnosticCh = diagnosticTicker.C
	}

	for {
		select {
		case msg := <-d.processor.inbox:
			switch m := msg.(type) {
			case eventMessage:
				d.processEvent(m.event)
			case flushMessage:
				d.flush()
			case syncMessage:
				close(m.reply)
			case shutdownMessage:
				d.flush()
				d.seenContexts.Close()
				close(m.reply)
				return
			}
		case <-flushTicker.C:
			d.flush()
		case <-diagnosticCh:
			d.sendDiagnosticStats()
		}
	}
}

func (d *dispatcher) processEvent(event Event) {
	switch e := event.(type) {
	case FeatureRequestEvent:
		d.summarizer.add(e)
		d.noteContext(e.BaseEvent)
		if e.TrackEvents {
			d.addToBuffer(d.formatter.makeFeatureOutput(e, false))
		}
		if d.shouldDebug(e) {
			d.addToBuffer(d.formatter.makeFeatureOutput(e, true))
		}
	case IdentifyEvent:
		// Identify carries the full context itself, so it also counts as
		// having indexed the context.
		d.markContextSeen(e.Context)
		d.addToBuffer(d.formatter.makeIdentifyOutput(e))
	case CustomEvent:
		d.noteContext(e.BaseEvent)
		d.addToBuffer(d.formatter.makeCustomOutput(e))
	}
}

// noteContext emits an index event the first time a context is seen within
// the deduplication window.
func (d *dispatcher) noteContext(base BaseEvent) {
	if d.markContextSeen(base.Context) {
		d.deduplicatedContexts++
		return
	}
	d.addToBuffer(d.formatter.makeIndexOutput(base))
}

// markContextSeen records the context in the dedup cache and reports whether
// it was already there.
func (d *dispatcher) markContextSeen(context evalcontext.Context) bool {
	key := context.FullyQualifiedKey()
	if _, seen := d.seenContexts.Get(key); seen {
		return true
	}
	d.seenContexts.Set(key, struct{}{})
	return false
}

// shouldDebug applies the clock-skew rule: debug events stop as soon as the
// deadline has passed on either the local clock or the server's, whichever
// is later known.
func (d *dispatcher) shouldDebug(e FeatureRequestEvent) bool {
	if e.DebugEventsUntilDate.IsZero() {
		return false
	}
	deadline := toMillis(e.DebugEventsUntilDate)
	if d.lastKnownPastTime.Load() >= deadline {
		return false
	}
	return toMillis(time.Now()) < deadline
}

func (d *dispatcher) addToBuffer(output any) {
	if len(d.buffer) >= d.cfg.Capacity {
		metrics.EventsDroppedTotal.Inc()
		d.processor.inboxDropped.Add(1)
		if !d.bufferDroppedOnce {
			d.bufferDroppedOnce = true
			d.logger.Warn("event buffer is full, dropping events; increase the capacity setting")
		}
		return
	}
	d.buffer = append(d.buffer, output)
}

func (d *dispatcher) flush() {
	outputs := d.buffer
	if !d.summarizer.isEmpty() {
		outputs = append(outputs, d.summarizer.output())
		d.summarizer.reset()
	}
	d.buffer = nil
	d.bufferDroppedOnce = false
	d.eventsInLastBatch = len(outputs)
	if len(outputs) == 0 {
		return
	}
	d.deliver(outputs, false)
}

func (d *dispatcher) sendDiagnosticStats() {
	dropped := d.processor.inboxDropped.Swap(0)
	stats := d.diagnostics.makeStatsEvent(dropped, d.deduplicatedContexts, d.eventsInLastBatch)
	d.deduplicatedContexts = 0
	d.deliver(stats, true)
}

// deliver ships one payload on its own goroutine so a slow events service
// never stalls the dispatcher.
func (d *dispatcher) deliver(outputs any, isDiagnostic bool) {
	if d.disabled.Load() {
		return
	}
	payload, err := marshalPayload(asPayloadSlice(outputs))
	if err != nil {
		d.logger.Error("failed to serialize event payload", slog.String("error", err.Error()))
		return
	}
	d.processor.wg.Add(1)
	go func() {
		defer d.processor.wg.Done()
		result := d.sender.SendEventData(payload, isDiagnostic)
		if result.MustShutdown {
			d.disabled.Store(true)
			d.logger.Error("event delivery was rejected permanently; no further events will be sent")
		}
		if !isDiagnostic {
			if result.Success {
				metrics.EventFlushesTotal.WithLabelValues("success").Inc()
			} else {
				metrics.EventFlushesTotal.WithLabelValues("fail").Inc()
			}
		}
		if !result.ServerTime.IsZero() {
			serverMillis := toMillis(result.ServerTime)
			for {
				known := d.lastKnownPastTime.Load()
				if serverMillis <= known || d.lastKnownPastTime.CompareAndSwap(known, serverMillis) {
					break
				}
			}
		}
	}()
}

func asPayloadSlice(outputs any) []any {
	if slice, ok := outputs.([]any); ok {
		return slice
	}
	return []any{outputs}
}
