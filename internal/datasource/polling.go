package datasource

import (
	"context"
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

const pollingPath = "/sdk/latest-all"

// Compile-time check that PollingProcessor is a DataSource.
var _ subsystems.DataSource = (*PollingProcessor)(nil)

// PollingProcessor keeps the store current by periodically fetching the full
// data set. It is the fallback transport for environments where a streaming
// connection cannot be held open; each successful fetch replaces the whole
// store, and conditional requests keep unchanged cycles cheap.
type PollingProcessor struct {
	sink      subsystems.DataSourceUpdateSink
	requestor *pollingRequestor
	interval  time.Duration
	logger    *slog.Logger

	initialized atomic.Bool
	readyOnce   sync.Once
	closeOnce   sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// PollConfig carries the polling source's tunables.
type PollConfig struct {
	URI      string
	Interval time.Duration
}

// NewPollingProcessor creates a polling data source. Nothing happens until
// Start is called.
func NewPollingProcessor(
	sdkKey string,
	cfg PollConfig,
	sink subsystems.DataSourceUpdateSink,
	httpClient *http.Client,
	logger *slog.Logger,
) *PollingProcessor {
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
	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PollingProcessor{
		sink: sink,
		requestor: &pollingRequestor{
			httpClient: httpClient,
			baseURI:    strings.TrimSuffix(cfg.URI, "/"),
			sdkKey:     sdkKey,
		},
		interval: cfg.Interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// IsInitialized reports whether a full data set has been stored.
func (p *PollingProcessor) IsInitialized() bool { return p.initialized.Load() }

// Start launches the poll loop on its own goroutine. The first fetch happens
// immediately, not after the first tick.
func (p *PollingProcessor) Start(closeWhenReady chan<- struct{}) {
	go p.run(closeWhenReady)
}

// Close stops the poll loop promptly, including an in-flight request or the
// wait for the next tick.
func (p *PollingProcessor) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		p.sink.UpdateStatus(subsystems.DataSourceStateOff, subsystems.DataSourceErrorInfo{})
	})
	return nil
}

func (p *PollingProcessor) run(closeWhenReady chan<- struct{}) {
	defer close(p.done)
	p.logger.Info("starting polling data source", slog.String("interval", p.interval.String()))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if !p.pollOnce(closeWhenReady) {
		return
	}
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.pollOnce(closeWhenReady) {
				return
			}
		}
	}
}

// pollOnce runs one fetch cycle. It returns false when the source must stop
// permanently.
func (p *PollingProcessor) pollOnce(closeWhenReady chan<- struct{}) bool {
	data, unchanged, err := p.requestor.requestAll(p.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		var httpErr httpStatusError
		if errors.As(err, &httpErr) && !isHTTPErrorRecoverable(httpErr.code) {
			p.logger.Error("polling request rejected permanently",
				slog.Int("status_code", httpErr.code),
			)
			p.sink.UpdateStatus(subsystems.DataSourceStateOff, httpErrorInfo(httpErr.code))
			p.signalReady(closeWhenReady)
			return false
		}
		p.logger.Warn("polling request failed, will retry on next tick",
			slog.String("error", err.Error()),
		)
		if errors.As(err, &httpErr) {
			p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, httpErrorInfo(httpErr.code))
		} else {
			p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, networkErrorInfo(err))
		}
		return true
	}
	if unchanged {
		p.sink.UpdateStatus(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
		return true
	}

	allData, err := model.ParseAllData(data)
	if err != nil {
		p.logger.Warn("polling response was malformed", slog.String("error", err.Error()))
		p.sink.UpdateStatus(subsystems.DataSourceStateInterrupted, invalidDataErrorInfo(err))
		return true
	}
	if !p.sink.Init(allData) {
		return true
	}
	p.initialized.Store(true)
	p.sink.UpdateStatus(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
	p.signalReady(closeWhenReady)
	return true
}

func (p *PollingProcessor) signalReady(closeWhenReady chan<- struct{}) {
	p.readyOnce.Do(func() {
		if closeWhenReady != nil {
			close(closeWhenReady)
		}
	})
}

// pollingRequestor performs the conditional GET for the full data set,
// remembering the last ETag so unchanged data sets cost a 304 instead of a
// full payload.
type pollingRequestor struct {
	httpClient *http.Client
	baseURI    string
	sdkKey     string
	etag       string
}

// requestAll fetches the full data set. unchanged is true when the service
// answered 304 Not Modified.
func (r *pollingRequestor) requestAll(ctx context.Context) (data []byte, unchanged bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURI+pollingPath, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", r.sdkKey)
	req.Header.Set("Accept", "application/json")
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, true, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, httpStatusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	r.etag = resp.Header.Get("ETag")
	return body, false, nil
}
