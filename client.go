// Package bifrost is a server-side feature flag SDK. A Client keeps a local
// copy of flag data in sync with the flag service, evaluates flags against
// evaluation contexts entirely in process, and reports analytics events
// asynchronously.
//
// Typical use:
//
//	client, err := bifrost.MakeClient(sdkKey, bifrost.Config{}, 5*time.Second)
//	if err != nil { ... }
//	defer client.Close()
//
//	context := evalcontext.NewBuilder("user-123").Name("Ada").Build()
//	showFeature := client.BoolVariation("new-dashboard", context, false)
package bifrost

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
	"github.com/rafaeljc/bifrost/internal/bigsegments"
	"github.com/rafaeljc/bifrost/internal/datasource"
	"github.com/rafaeljc/bifrost/internal/datastore"
	"github.com/rafaeljc/bifrost/internal/evaluator"
	"github.com/rafaeljc/bifrost/internal/events"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/metrics"
	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

// ErrInitializationTimeout is returned by MakeClient when the data source
// did not deliver a full data set within the wait time. The client is still
// returned and keeps trying in the background.
var ErrInitializationTimeout = errors.New("bifrost: timeout waiting for client initialization")

// ErrInitializationFailed is returned by MakeClient when the data source
// failed permanently, for example on an invalid SDK key.
var ErrInitializationFailed = errors.New("bifrost: client initialization failed permanently")

// ErrClientClosed is reported through evaluation details after Close.
var ErrClientClosed = errors.New("bifrost: client is closed")

// Client is the SDK client. All methods are safe for concurrent use.
type Client struct {
	sdkKey  string
	offline bool
	logger  *slog.Logger

	store       subsystems.DataStore
	storeOwned  bool
	broadcaster *datasource.StatusBroadcaster
	dataSource  subsystems.DataSource
	evaluator   *evaluator.Evaluator
	bigSegments *bigsegments.Manager

	// eventProcessor is nil when events are disabled or the client is
	// offline.
	eventProcessor *events.Processor

	closed chan struct{}
}

// MakeClient creates a Client and waits up to waitFor for the first full
// data set. On timeout it returns both the client and
// ErrInitializationTimeout: the client is usable, serves defaults until data
// arrives, and keeps connecting in the background. A waitFor of zero skips
// waiting entirely.
func MakeClient(sdkKey string, cfg Config, waitFor time.Duration) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sdkKey == "" && !cfg.Offline && cfg.DataSourceFactory == nil {
		return nil, errors.New("bifrost: SDK key cannot be empty")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.New(cfg.LogLevel, cfg.LogFormat)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		sdkKey:  sdkKey,
		offline: cfg.Offline,
		logger:  log,
		closed:  make(chan struct{}),
	}

	store, storeOwned, err := makeStore(cfg, log)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.storeOwned = storeOwned

	if cfg.BigSegmentStore != nil {
		manager, err := bigsegments.NewManager(cfg.BigSegmentStore, bigsegments.ManagerConfig{
			MembershipCacheSize: cfg.BigSegments.MembershipCacheSize,
			MembershipCacheTTL:  cfg.BigSegments.MembershipCacheTTL,
			StatusPollInterval:  cfg.BigSegments.StatusPollInterval,
			StaleAfter:          cfg.BigSegments.StaleAfter,
		}, log)
		if err != nil {
			c.cleanupPartial()
			return nil, err
		}
		c.bigSegments = manager
	}

	var bigSegmentProvider evaluator.BigSegmentProvider
	if c.bigSegments != nil {
		bigSegmentProvider = c.bigSegments
	}
	c.evaluator = evaluator.New(&storeDataProvider{store: store}, bigSegmentProvider, log)

	if !cfg.Offline && !cfg.Events.Disabled {
		sender := cfg.EventSender
		if sender == nil {
			sender = events.NewHTTPEventSender(sdkKey, cfg.Events.URI, httpClient, log)
		}
		privateRefs := make([]evalcontext.Ref, 0, len(cfg.Events.PrivateAttributes))
		for _, attr := range cfg.Events.PrivateAttributes {
			privateRefs = append(privateRefs, evalcontext.NewRef(attr))
		}
		processor, err := events.NewProcessor(events.Config{
			Capacity:                    cfg.Events.Capacity,
			FlushInterval:               cfg.Events.FlushInterval,
			ContextKeysCapacity:         cfg.Events.ContextKeysCapacity,
			ContextKeysFlushInterval:    cfg.Events.ContextKeysFlushInterval,
			AllAttributesPrivate:        cfg.Events.AllAttributesPrivate,
			PrivateAttributes:           privateRefs,
			DiagnosticOptOut:            cfg.Events.DiagnosticOptOut,
			DiagnosticRecordingInterval: cfg.Events.DiagnosticRecordingInterval,
			SDKKey:                      sdkKey,
		}, sender, log)
		if err != nil {
			c.cleanupPartial()
			return nil, err
		}
		c.eventProcessor = processor
	}

	c.broadcaster = datasource.NewStatusBroadcaster()
	sink := datasource.NewUpdateSink(store, c.broadcaster, log)

	source, err := makeDataSource(sdkKey, cfg, sink, httpClient, log)
	if err != nil {
		c.cleanupPartial()
		return nil, err
	}
	c.dataSource = source

	ready := make(chan struct{})
	source.Start(ready)

	if waitFor <= 0 {
		return c, nil
	}
	log.Info("waiting for client initialization", slog.Duration("timeout", waitFor))
	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	select {
	case <-ready:
		if !source.IsInitialized() {
			log.Error("client initialization failed permanently")
			return c, ErrInitializationFailed
		}
		log.Info("client initialized")
		return c, nil
	case <-timer.C:
		log.Warn("client initialization timed out; continuing in the background",
			slog.Duration("timeout", waitFor))
		return c, ErrInitializationTimeout
	}
}

func makeStore(cfg Config, log *slog.Logger) (subsystems.DataStore, bool, error) {
	switch {
	case cfg.DataStore != nil && cfg.PersistentDataStore != nil:
		return nil, false, errors.New("bifrost: DataStore and PersistentDataStore cannot both be set")
	case cfg.DataStore != nil:
		return cfg.DataStore, false, nil
	case cfg.PersistentDataStore != nil:
		wrapper, err := datastore.NewPersistentStoreWrapper(cfg.PersistentDataStore, cfg.PersistentStoreCacheTTL, log)
		if err != nil {
			return nil, false, err
		}
		return wrapper, true, nil
	default:
		return datastore.NewInMemoryStore(log), true, nil
	}
}

func makeDataSource(
	sdkKey string,
	cfg Config,
	sink subsystems.DataSourceUpdateSink,
	httpClient *http.Client,
	log *slog.Logger,
) (subsystems.DataSource, error) {
	switch {
	case cfg.Offline:
		log.Info("starting in offline mode; no flag data will be fetched")
		return &nullDataSource{sink: sink}, nil
	case cfg.DataSourceFactory != nil:
		return cfg.DataSourceFactory(sdkKey, sink, log)
	case cfg.DataSource.PollingMode:
		log.Info("using polling mode", slog.Duration("interval", cfg.DataSource.PollInterval))
		return datasource.NewPollingProcessor(sdkKey, datasource.PollConfig{
			URI:      cfg.DataSource.PollURI,
			Interval: cfg.DataSource.PollInterval,
		}, sink, httpClient, log), nil
	default:
		return datasource.NewStreamProcessor(sdkKey, datasource.StreamConfig{
			URI:                   cfg.DataSource.StreamURI,
			InitialReconnectDelay: cfg.DataSource.InitialReconnectDelay,
			MaxReconnectDelay:     cfg.DataSource.MaxReconnectDelay,
			ReadTimeout:           cfg.DataSource.ReadTimeout,
		}, sink, httpClient, log), nil
	}
}

// cleanupPartial releases whatever was built before MakeClient failed.
func (c *Client) cleanupPartial() {
	if c.eventProcessor != nil {
		_ = c.eventProcessor.Close()
	}
	if c.bigSegments != nil {
		_ = c.bigSegments.Close()
	}
	if c.storeOwned && c.store != nil {
		_ = c.store.Close()
	}
}

// Initialized reports whether the client has received a full flag data set.
func (c *Client) Initialized() bool {
	return c.dataSource.IsInitialized()
}

// DataSourceStatus returns a snapshot of the data synchronization state.
func (c *Client) DataSourceStatus() subsystems.DataSourceStatus {
	return c.broadcaster.Status()
}

// AddDataSourceStatusListener returns a channel receiving every data source
// status change. Slow consumers miss updates rather than blocking the SDK.
func (c *Client) AddDataSourceStatusListener() <-chan subsystems.DataSourceStatus {
	return c.broadcaster.AddListener()
}

// RemoveDataSourceStatusListener unregisters and closes a listener channel.
func (c *Client) RemoveDataSourceStatusListener(ch <-chan subsystems.DataSourceStatus) {
	c.broadcaster.RemoveListener(ch)
}

// BigSegmentStoreStatus returns the big segment store's health. The second
// result is false when no big segment store is configured.
func (c *Client) BigSegmentStoreStatus() (subsystems.BigSegmentsStoreStatus, bool) {
	if c.bigSegments == nil {
		return subsystems.BigSegmentsStoreStatus{}, false
	}
	return c.bigSegments.Status(), true
}

// Identify reports a context to the events service without evaluating
// anything.
func (c *Client) Identify(context evalcontext.Context) error {
	if err := context.Err(); err != nil {
		return fmt.Errorf("bifrost: invalid context in Identify: %w", err)
	}
	if c.eventProcessor != nil {
		c.eventProcessor.RecordIdentifyEvent(events.IdentifyEvent{
			BaseEvent: events.BaseEvent{CreationDate: time.Now(), Context: context},
		})
	}
	return nil
}

// TrackEvent records a custom event with no data payload.
func (c *Client) TrackEvent(eventName string, context evalcontext.Context) error {
	return c.track(eventName, context, nil, nil)
}

// TrackData records a custom event with an arbitrary JSON-serializable data
// payload.
func (c *Client) TrackData(eventName string, context evalcontext.Context, data any) error {
	return c.track(eventName, context, data, nil)
}

// TrackMetric records a custom event carrying a numeric value for
// experimentation metrics.
func (c *Client) TrackMetric(eventName string, context evalcontext.Context, metricValue float64, data any) error {
	return c.track(eventName, context, data, &metricValue)
}

func (c *Client) track(eventName string, context evalcontext.Context, data any, metricValue *float64) error {
	if err := context.Err(); err != nil {
		return fmt.Errorf("bifrost: invalid context in track call: %w", err)
	}
	if c.eventProcessor != nil {
		c.eventProcessor.RecordCustomEvent(events.CustomEvent{
			BaseEvent:   events.BaseEvent{CreationDate: time.Now(), Context: context},
			Key:         eventName,
			Data:        data,
			MetricValue: metricValue,
		})
	}
	return nil
}

// Flush asks the event pipeline to deliver everything buffered so far. It
// returns immediately.
func (c *Client) Flush() {
	if c.eventProcessor != nil {
		c.eventProcessor.Flush()
	}
}

// Close shuts down the client: the data source stops, pending events are
// flushed, and owned stores are closed. It is idempotent; evaluations after
// Close return defaults.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	err := c.dataSource.Close()
	if c.eventProcessor != nil {
		if cerr := c.eventProcessor.Close(); err == nil {
			err = cerr
		}
	}
	if c.bigSegments != nil {
		if cerr := c.bigSegments.Close(); err == nil {
			err = cerr
		}
	}
	c.broadcaster.Close()
	if c.storeOwned {
		if cerr := c.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// evaluateInternal is the common path behind every Variation method. It
// resolves the flag, runs the evaluator, records analytics, and never
// returns an undefined detail.
func (c *Client) evaluateInternal(
	flagKey string,
	context evalcontext.Context,
	defaultValue any,
	includeReasonInEvents bool,
) evaluation.Detail {
	if c.isClosed() {
		return evaluation.NewErrorDetail(evaluation.ErrClientNotReady, defaultValue)
	}

	if !c.Initialized() {
		if c.store.IsInitialized() {
			c.logger.Warn("evaluating flags before initialization completed; using last known data from the store")
		} else {
			c.logger.Warn("evaluating flags before initialization completed; returning default value",
				slog.String("flag_key", flagKey))
			metrics.EvaluationsTotal.WithLabelValues("error").Inc()
			c.recordUnknownFlag(flagKey, context, defaultValue, evaluation.ErrClientNotReady, includeReasonInEvents)
			return evaluation.NewErrorDetail(evaluation.ErrClientNotReady, defaultValue)
		}
	}

	flag, ok := c.getFlag(flagKey)
	if !ok {
		c.logger.Warn("unknown feature flag; returning default value", slog.String("flag_key", flagKey))
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		c.recordUnknownFlag(flagKey, context, defaultValue, evaluation.ErrFlagNotFound, includeReasonInEvents)
		return evaluation.NewErrorDetail(evaluation.ErrFlagNotFound, defaultValue)
	}

	detail := c.evaluator.Evaluate(flag, context, c.prerequisiteRecorder(includeReasonInEvents))
	if detail.IsDefaultValue() {
		detail.Value = defaultValue
	}
	if detail.Reason.Kind() == evaluation.ReasonError {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.EvaluationsTotal.WithLabelValues("success").Inc()
	}
	c.recordEvaluation(flag, context, detail, defaultValue, "", includeReasonInEvents)
	return detail
}

func (c *Client) getFlag(key string) (*model.FeatureFlag, bool) {
	provider := storeDataProvider{store: c.store}
	return provider.GetFeatureFlag(key)
}

// prerequisiteRecorder turns the evaluator's prerequisite callbacks into
// feature events marked with the parent flag key.
func (c *Client) prerequisiteRecorder(includeReason bool) evaluator.PrerequisiteEventRecorder {
	if c.eventProcessor == nil {
		return nil
	}
	return func(e evaluator.PrerequisiteEvent) {
		c.recordEvaluation(e.PrerequisiteFlag, e.Context, e.Result, nil, e.TargetFlagKey, includeReason)
	}
}

func (c *Client) recordEvaluation(
	flag *model.FeatureFlag,
	context evalcontext.Context,
	detail evaluation.Detail,
	defaultValue any,
	prereqOf string,
	includeReason bool,
) {
	if c.eventProcessor == nil || !context.IsDefined() {
		return
	}

	requireExperimentData := detail.Reason.InExperiment()
	track := flag.TrackEvents || requireExperimentData
	switch detail.Reason.Kind() {
	case evaluation.ReasonFallthrough:
		track = track || flag.TrackEventsFallthrough
	case evaluation.ReasonRuleMatch:
		if idx := detail.Reason.RuleIndex(); idx >= 0 && idx < len(flag.Rules) {
			track = track || flag.Rules[idx].TrackEvents
		}
	}

	version := flag.Version
	event := events.FeatureRequestEvent{
		BaseEvent:     events.BaseEvent{CreationDate: time.Now(), Context: context},
		FlagKey:       flag.Key,
		Version:       &version,
		Value:         detail.Value,
		Default:       defaultValue,
		Reason:        detail.Reason,
		PrereqOf:      prereqOf,
		TrackEvents:   track,
		IncludeReason: includeReason || requireExperimentData,
	}
	if detail.VariationIndex != evaluation.NoVariation {
		variation := detail.VariationIndex
		event.Variation = &variation
	}
	if flag.DebugEventsUntilDate != nil {
		event.DebugEventsUntilDate = time.UnixMilli(*flag.DebugEventsUntilDate)
	}
	c.eventProcessor.RecordFeatureRequestEvent(event)
}

// recordUnknownFlag feeds the summary counters for evaluations that never
// reached a flag, so the service still sees the traffic.
func (c *Client) recordUnknownFlag(
	flagKey string,
	context evalcontext.Context,
	defaultValue any,
	errorKind evaluation.ErrorKind,
	includeReason bool,
) {
	if c.eventProcessor == nil || !context.IsDefined() {
		return
	}
	c.eventProcessor.RecordFeatureRequestEvent(events.FeatureRequestEvent{
		BaseEvent:     events.BaseEvent{CreationDate: time.Now(), Context: context},
		FlagKey:       flagKey,
		Value:         defaultValue,
		Default:       defaultValue,
		Reason:        evaluation.NewErrorReason(errorKind),
		IncludeReason: includeReason,
	})
}

// storeDataProvider adapts the data store to the evaluator's read-only view,
// hiding tombstones and type assertions.
type storeDataProvider struct {
	store subsystems.DataStore
}

var _ evaluator.DataProvider = (*storeDataProvider)(nil)

func (p *storeDataProvider) GetFeatureFlag(key string) (*model.FeatureFlag, bool) {
	item, err := p.store.Get(subsystems.DataKindFeatures, key)
	if err != nil || item.Item == nil {
		return nil, false
	}
	flag, ok := item.Item.(*model.FeatureFlag)
	return flag, ok
}

func (p *storeDataProvider) GetSegment(key string) (*model.Segment, bool) {
	item, err := p.store.Get(subsystems.DataKindSegments, key)
	if err != nil || item.Item == nil {
		return nil, false
	}
	segment, ok := item.Item.(*model.Segment)
	return segment, ok
}

// nullDataSource is the offline mode source: it never connects and reports
// itself initialized so evaluations proceed against whatever the store
// holds.
type nullDataSource struct {
	sink subsystems.DataSourceUpdateSink
}

func (s *nullDataSource) Start(closeWhenReady chan<- struct{}) {
	s.sink.UpdateStatus(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
	if closeWhenReady != nil {
		close(closeWhenReady)
	}
}

func (s *nullDataSource) IsInitialized() bool { return true }

func (s *nullDataSource) Close() error { return nil }
