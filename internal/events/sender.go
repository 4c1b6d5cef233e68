package events

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/validation"
	"github.com/rafaeljc/bifrost/subsystems"
)

const (
	bulkEventsPath  = "/bulk"
	diagnosticsPath = "/diagnostic"

	// eventSchemaVersion tells the service which payload dialect this is.
	eventSchemaVersion = "4"

	payloadIDHeader   = "X-Payload-ID"
	eventSchemaHeader = "X-Bifrost-Event-Schema"

	retryDelayOnFailure = time.Second
)

// Compile-time check that HTTPEventSender satisfies the sender contract.
var _ subsystems.EventSender = (*HTTPEventSender)(nil)

// HTTPEventSender posts event payloads to the events service. Each payload
// gets a unique ID header so a delivery retried after an ambiguous failure
// can be deduplicated server-side.
type HTTPEventSender struct {
	httpClient *http.Client
	eventsURI  string
	sdkKey     string
	logger     *slog.Logger
}

// NewHTTPEventSender creates a sender for the given events service URI.
func NewHTTPEventSender(sdkKey, eventsURI string, httpClient *http.Client, logger *slog.Logger) *HTTPEventSender {
	validation.AssertNotEmpty(sdkKey, "SDK key")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEventSender{
		httpClient: httpClient,
		eventsURI:  strings.TrimSuffix(eventsURI, "/"),
		sdkKey:     sdkKey,
		logger:     logger,
	}
}

// SendEventData posts one payload, retrying once after a short pause on
// recoverable failures. A 401 or 403 reports MustShutdown: the key will
// never become valid by retrying.
func (s *HTTPEventSender) SendEventData(payload []byte, isDiagnostic bool) subsystems.EventSenderResult {
	uri := s.eventsURI + bulkEventsPath
	if isDiagnostic {
		uri = s.eventsURI + diagnosticsPath
	}
	payloadID := uuid.New().String()

	var result subsystems.EventSenderResult
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelayOnFailure)
		}
		resp, err := s.post(uri, payloadID, payload)
		if err != nil {
			s.logger.Warn("event delivery failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if serverTime, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
			result.ServerTime = serverTime
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			result.Success = true
			return result
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			s.logger.Error("event delivery rejected, SDK key is not valid for this environment",
				slog.Int("status_code", resp.StatusCode),
			)
			result.MustShutdown = true
			return result
		}
		s.logger.Warn("event delivery failed",
			slog.Int("status_code", resp.StatusCode),
			slog.Int("attempt", attempt+1),
		)
		if !isEventResponseRetryable(resp.StatusCode) {
			return result
		}
	}
	return result
}

func (s *HTTPEventSender) post(uri, payloadID string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, uri, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.sdkKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payloadIDHeader, payloadID)
	req.Header.Set(eventSchemaHeader, eventSchemaVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// The body is irrelevant on every path; drain so the connection can be
	// reused.
	_ = resp.Body.Close()
	return resp, nil
}

func isEventResponseRetryable(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	switch statusCode {
	case http.StatusBadRequest, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}
