package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/internal/validation"
	"github.com/rafaeljc/bifrost/subsystems"
)

const (
	streamPath = "/all"

	putEventName    = "put"
	patchEventName  = "patch"
	deleteEventName = "delete"

	flagsPathPrefix    = "/flags/"
	segmentsPathPrefix = "/segments/"
)

// Compile-time check that StreamProcessor is a DataSource.
var _ subsystems.DataSource = (*StreamProcessor)(nil)

// StreamProcessor keeps the store current over a server-sent-events
// connection: one "put" event carrying the full data set on connect, then
// incremental "patch" and "delete" events. Connection failures reconnect
// with jittered exponential backoff; authorization failures stop the source
// permanently.
type StreamProcessor struct {
	sink        subsystems.DataSourceUpdateSink
	httpClient  *http.Client
	streamURI   string
	sdkKey      string
	logger      *slog.Logger
	delay       *retryDelay
	readTimeout time.Duration

	initialized atomic.Bool
	readyOnce   sync.Once
	closeOnce   sync.Once
	cancel      context.CancelFunc
	ctx         context.Context
	done        chan struct{}
}

// StreamConfig carries the streaming source's tunables.
type StreamConfig struct {
	URI                   string
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	// ReadTimeout aborts a connection that delivers no data for this long.
	// Zero disables the check.
	ReadTimeout time.Duration
}

// errStreamSilent marks a connection dropped because no data arrived within
// the read timeout. It catches peers that vanished without closing the
// connection, which would otherwise park the read forever.
var errStreamSilent = errors.New("no data received within the read timeout")

// NewStreamProcessor creates a streaming data source. Nothing happens until
// Start is called.
func NewStreamProcessor(
	sdkKey string,
	cfg StreamConfig,
	sink subsystems.DataSourceUpdateSink,
	httpClient *http.Client,
	logger *slog.Logger,
) *StreamProcessor {
	if sink == nil {
		panic("datasource: update sink cannot be nil")
	}
	validation.AssertNotEmpty(sdkKey, "SDK key")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamProcessor{
		sink:        sink,
		httpClient:  httpClient,
		streamURI:   strings.TrimSuffix(cfg.URI, "/"),
		sdkKey:      sdkKey,
		logger:      logger,
		delay:       newRetryDelay(cfg.InitialReconnectDelay, cfg.MaxReconnectDelay),
		readTimeout: cfg.ReadTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// IsInitialized reports whether a full data set has been stored.
func (p *StreamProcessor) IsInitialized() bool { return p.initialized.Load() }

// Start launches the connect/read/reconnect loop on its own goroutine.
func (p *StreamProcessor) Start(closeWhenReady chan<- struct{}) {
	go p.run(closeWhenReady)
}

// Close stops the source permanently. It cancels the in-flight request or
// backoff sleep and waits for the loop goroutine to exit.
func (p *StreamProcessor) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		p.sink.UpdateStatus(subsystems.DataSourceStateOff, subsystems.DataSourceErrorInfo{})
	})
	return nil
}

func (p *StreamProcessor) run(closeWhenReady chan<- struct{}) {
	defer close(p.done)
	for {
		if p.ctx.Err() != nil {
			return
		}
		connCtx, abortConn := context.WithCancel(p.ctx)
		resp, err := p.connect(connCtx)
		if err != nil {
			abortConn()
			if !p.handleConnectionError(err, closeWhenReady) {
				return
			}
		} else {
			p.delay.noteConnectionStarted()
			err = p.consumeStream(abortConn, resp.Body, closeWhenReady)
			_ = resp.Body.Close()
			abortConn()
			if p.ctx.Err() != nil {
				return
			}
			if !p.handleConnectionError(err, closeWhenReady) {
				return
			}
		}
		if !p.sleepBeforeReconnect() {
			return
		}
	}
}

func (p *StreamProcessor) connect(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.streamURI+streamPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", p.sdkKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, httpStatusError{code: resp.StatusCode}
	}
	return resp, nil
}

// consumeStream reads events until the stream breaks. A nil return never
// happens in practice; streams only end in errors or shutdown. Every read is
// bounded by the read timeout: a timer armed before the read cancels the
// in-flight request when it fires, so a silently dead connection surfaces as
// errStreamSilent instead of blocking forever.
func (p *StreamProcessor) consumeStream(abortConn context.CancelFunc, body io.Reader, closeWhenReady chan<- struct{}) error {
	reader := newEventStreamReader(body)
	var timedOut atomic.Bool
	for {
		var timer *time.Timer
		if p.readTimeout > 0 {
			timer = time.AfterFunc(p.readTimeout, func() {
				timedOut.Store(true)
				abortConn()
			})
		}
		event, err := reader.Next()
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			if timedOut.Load() && p.ctx.Err() == nil {
				return errStreamSilent
			}
			return err
		}
		if err := p.applyEvent(event, closeWhenReady); err != nil {
			return err
		}
	}
}

// malformedEventError aborts the connection; the reconnect brings a fresh
// "put" that supersedes whatever was unparseable.
type malformedEventError struct{ cause error }

func (e malformedEventError) Error() string { return e.cause.Error() }

func (p *StreamProcessor) applyEvent(event serverSentEvent, closeWhenReady chan<- struct{}) error {
	switch event.Name {
	case putEventName:
		var payload struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return malformedEventError{cause: err}
		}
		allData, err := model.ParseAllData(payload.Data)
		if err != nil {
			return malformedEventError{cause: err}
		}
		if !p.sink.Init(allData) {
			return nil
		}
		p.initialized.Store(true)
		p.sink.UpdateStatus(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
		p.signalReady(closeWhenReady)
		p.logger.Info("stream connection established, flag data loaded")

	case patchEventName:
		var payload struct {
			Path string          `json:"path"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return malformedEventError{cause: err}
		}
		kind, key, ok := parseStorePath(payload.Path)
		if !ok {
			p.logger.Warn("ignoring patch for unrecognized path", slog.String("path", payload.Path))
			return nil
		}
		item, err := model.ParseItem(kind, payload.Data)
		if err != nil {
			return malformedEventError{cause: err}
		}
		p.sink.Upsert(kind, key, item)

	case deleteEventName:
		var payload struct {
			Path    string `json:"path"`
			Version int    `json:"version"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return malformedEventError{cause: err}
		}
		kind, key, ok := parseStorePath(payload.Path)
		if !ok {
			p.logger.Warn("ignoring delete for unrecognized path", slog.String("path", payload.Path))
			return nil
		}
		p.sink.Upsert(kind, key, subsystems.Tombstone(payload.Version))

	default:
		p.logger.Debug("ignoring unknown stream event", slog.String("event", event.Name))
	}
	return nil
}

// handleConnectionError reports the failure and decides whether to retry.
// It returns false when the source must stop permanently.
func (p *StreamProcessor) handleConnectionError(err error, closeWhenReady chan<- struct{}) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return p.ctx.Err() == nil
	}

	var httpErr httpStatusError
	var malformed malformedEventError
	switch {
	case errors.As(err, &httpErr):
		if !isHTTPErrorRecoverable(httpErr.code) {
			p.logger.Error("stream connection rejected permanently",
				slog.Int("status_code", httpErr.code),
			)
			p.sink.UpdateStatus(subsystems.DataSourceStateOff, httpErrorInfo(httpErr.code))
			p.signalReady(closeWhenReady)
			return false
		}
		p.logger.Warn("stream connection failed, will retry",
			slog.Int("status_code", httpErr.code),
		)
		p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, httpErrorInfo(httpErr.code))
	case errors.Is(err, errStreamSilent):
		p.logger.Warn("stream went silent past the read timeout, restarting connection",
			slog.Duration("read_timeout", p.readTimeout),
		)
		p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, networkErrorInfo(err))
	case errors.As(err, &malformed):
		p.logger.Warn("received malformed stream data, restarting connection",
			slog.String("error", malformed.Error()),
		)
		p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, invalidDataErrorInfo(malformed.cause))
	default:
		p.logger.Warn("stream connection lost, will retry", slog.String("error", err.Error()))
		p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, networkErrorInfo(err))
	}
	return true
}

func (p *StreamProcessor) sleepBeforeReconnect() bool {
	timer := time.NewTimer(p.delay.next())
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *StreamProcessor) signalReady(closeWhenReady chan<- struct{}) {
	p.readyOnce.Do(func() {
		if closeWhenReady != nil {
			close(closeWhenReady)
		}
	})
}

// parseStorePath maps a stream item path to a store namespace and key.
func parseStorePath(path string) (subsystems.DataKind, string, bool) {
	switch {
	case strings.HasPrefix(path, flagsPathPrefix):
		return subsystems.DataKindFeatures, strings.TrimPrefix(path, flagsPathPrefix), true
	case strings.HasPrefix(path, segmentsPathPrefix):
		return subsystems.DataKindSegments, strings.TrimPrefix(path, segmentsPathPrefix), true
	default:
		return "", "", false
	}
}
