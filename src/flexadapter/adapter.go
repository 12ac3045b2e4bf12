// Package flexadapter implements the two-phase SendRequest/GetStatement
// protocol against the Flex Web Service, including retry/backoff policy and
// typed failure classification.
package flexadapter

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/timeline"
)

const userAgent = "flexledger/1.0 (Go net/http)"

// FetchResult carries the upstream reference code, the immutable payload
// bytes and the adapter's stage timeline back to the orchestrator.
type FetchResult struct {
	RunReference string
	Payload      []byte
	Timeline     []timeline.StageEvent
}

// Config holds the adapter tuning knobs. Values map one-to-one onto the
// FLEX_* configuration fields.
type Config struct {
	Token          string
	BaseURL        string
	APIVersion     string
	InitialWait    time.Duration
	RetryAttempts  int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterMin      float64
	JitterMax      float64
	RequestTimeout time.Duration
}

// Adapter talks to the Flex Web Service. All instances are safe for reuse
// across runs; the retry loop blocks the calling run for the full backoff
// duration by design.
type Adapter struct {
	token      string
	baseURL    string
	apiVersion string

	initialWait   time.Duration
	retryAttempts int
	backoffBase   time.Duration
	backoffMax    time.Duration
	jitterMin     float64
	jitterMax     float64

	client    *http.Client
	randFloat func() float64
	sleep     func(time.Duration)
	now       func() time.Time
}

// New validates the configuration and builds an adapter.
func New(cfg Config) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	baseURL := strings.TrimSpace(cfg.BaseURL)
	apiVersion := strings.TrimSpace(cfg.APIVersion)

	if token == "" {
		return nil, fmt.Errorf("flexadapter: token must not be blank")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("flexadapter: base URL must not be blank")
	}
	if apiVersion == "" {
		return nil, fmt.Errorf("flexadapter: api version must not be blank")
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("flexadapter: retry attempts must be >= 1, got %d", cfg.RetryAttempts)
	}
	if cfg.InitialWait < 0 || cfg.BackoffBase < 0 {
		return nil, fmt.Errorf("flexadapter: wait durations must be >= 0")
	}
	if cfg.BackoffMax <= 0 {
		return nil, fmt.Errorf("flexadapter: backoff cap must be > 0")
	}
	if cfg.JitterMin <= 0 || cfg.JitterMax < cfg.JitterMin {
		return nil, fmt.Errorf("flexadapter: jitter bounds invalid (min=%f, max=%f)", cfg.JitterMin, cfg.JitterMax)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("flexadapter: request timeout must be > 0")
	}

	return &Adapter{
		token:         token,
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiVersion:    apiVersion,
		initialWait:   cfg.InitialWait,
		retryAttempts: cfg.RetryAttempts,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		jitterMin:     cfg.JitterMin,
		jitterMax:     cfg.JitterMax,
		client:        &http.Client{Timeout: cfg.RequestTimeout},
		randFloat:     rand.Float64,
		sleep:         time.Sleep,
		now:           time.Now,
	}, nil
}

// SourceName returns the stable adapter source label used in diagnostics.
func (a *Adapter) SourceName() string {
	return "ibkr_flex_web_service"
}

// flexServiceResponse is the control-channel response shape shared by
// SendRequest rejections and GetStatement poll errors.
type flexServiceResponse struct {
	XMLName       xml.Name
	Status        string    `xml:"Status"`
	ReferenceCode string    `xml:"ReferenceCode"`
	URL           string    `xml:"Url"`
	ErrorCode     string    `xml:"ErrorCode"`
	ErrorMessage  string    `xml:"ErrorMessage"`
	Statements    *struct{} `xml:"FlexStatements"`
}

// Fetch runs the request-then-poll flow and returns the statement payload.
// Every phase transition appends one immutable event to the returned stage
// timeline; the timeline has no other side effects.
func (a *Adapter) Fetch(queryID string) (*FetchResult, error) {
	normalizedQueryID := strings.TrimSpace(queryID)
	if normalizedQueryID == "" {
		return nil, fmt.Errorf("%w: query id must not be blank", ErrRequest)
	}

	var events []timeline.StageEvent
	record := func(stage, status string, details map[string]any) {
		events = append(events, timeline.EventAt(a.now(), stage, status, details))
	}

	record("request", "started", nil)
	requestPayload, err := a.httpGet(a.baseURL+"/SendRequest", url.Values{
		"t": {a.token},
		"q": {normalizedQueryID},
		"v": {a.apiVersion},
	})
	if err != nil {
		return nil, err
	}

	var response flexServiceResponse
	if err := xml.Unmarshal(requestPayload, &response); err != nil {
		return nil, fmt.Errorf("%w: send request response is not valid XML", ErrStatement)
	}

	if !strings.EqualFold(strings.TrimSpace(response.Status), "success") {
		code, message := responseError(&response, "request rejected by upstream")
		return nil, classifyRejection(code, message, ErrRequest)
	}

	referenceCode := strings.TrimSpace(response.ReferenceCode)
	if referenceCode == "" {
		return nil, fmt.Errorf("%w: response missing ReferenceCode", ErrRequest)
	}
	statementURL := strings.TrimSpace(response.URL)
	if statementURL == "" {
		statementURL = a.baseURL + "/GetStatement"
	}
	record("request", "completed", map[string]any{"run_reference": referenceCode})

	record("poll", "started", nil)
	payload, err := a.pollStatement(statementURL, referenceCode, record)
	if err != nil {
		return nil, err
	}
	record("poll", "completed", nil)

	return &FetchResult{
		RunReference: referenceCode,
		Payload:      payload,
		Timeline:     events,
	}, nil
}

func (a *Adapter) pollStatement(statementURL, referenceCode string, record func(string, string, map[string]any)) ([]byte, error) {
	params := url.Values{
		"q": {referenceCode},
		"t": {a.token},
		"v": {a.apiVersion},
	}

	var pendingFloor time.Duration
	for attempt := 0; attempt < a.retryAttempts; attempt++ {
		wait := a.retryWait(attempt)
		if pendingFloor > wait {
			wait = pendingFloor
		}
		pendingFloor = 0
		if wait > 0 {
			a.sleep(wait)
		}

		payload, err := a.httpGet(statementURL, params)
		if err != nil {
			return nil, err
		}

		var response flexServiceResponse
		if xml.Unmarshal(payload, &response) != nil {
			if len(payload) == 0 {
				record("download", "retrying", map[string]any{
					"poll_attempt":   attempt + 1,
					"payload_format": "empty",
				})
				continue
			}
			// CSV-format queries return the statement as a non-XML body.
			record("download", "completed", map[string]any{"poll_attempt": attempt + 1, "payload_format": "non_xml"})
			return payload, nil
		}

		if isStatementDocument(&response) {
			record("download", "completed", map[string]any{"poll_attempt": attempt + 1})
			return payload, nil
		}

		code, message := responseError(&response, "unexpected upstream response")
		if IsRetryablePollCode(code) {
			pendingFloor = retryDelayForCode(code)
			record("download", "retrying", map[string]any{
				"poll_attempt":        attempt + 1,
				"error_code":          code,
				"error_message":       message,
				"retry_after_seconds": pendingFloor.Seconds(),
			})
			if logger.L != nil {
				logger.L.Debug("Flex statement not ready, retrying", "pollAttempt", attempt+1, "errorCode", code)
			}
			continue
		}

		return nil, classifyRejection(code, message, ErrStatement)
	}

	return nil, fmt.Errorf("%w: statement polling exhausted %d attempts", ErrTimeout, a.retryAttempts)
}

// retryWait computes max(initial wait, min(base*2^attempt, cap) * jitter),
// jitter uniform in [JitterMin, JitterMax].
func (a *Adapter) retryWait(attempt int) time.Duration {
	backoff := a.backoffBase << uint(attempt)
	if backoff > a.backoffMax || backoff <= 0 {
		backoff = a.backoffMax
	}
	jitter := a.jitterMin + a.randFloat()*(a.jitterMax-a.jitterMin)
	wait := time.Duration(float64(backoff) * jitter)
	if wait < a.initialWait {
		wait = a.initialWait
	}
	return wait
}

func (a *Adapter) httpGet(endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: upstream returned HTTP %d", ErrConnection, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrConnection, err)
	}
	return payload, nil
}

// isStatementDocument reports whether a poll response already carries the
// statement payload rather than a control-channel error.
func isStatementDocument(response *flexServiceResponse) bool {
	if response.XMLName.Local == "FlexQueryResponse" {
		return response.Statements != nil
	}
	return response.XMLName.Local == "FlexStatements"
}

func responseError(response *flexServiceResponse, fallback string) (string, string) {
	code := strings.TrimSpace(response.ErrorCode)
	if code == "" {
		code = "UNKNOWN"
	}
	message := strings.TrimSpace(response.ErrorMessage)
	if message == "" {
		message = DefaultMessage(code, fallback)
	}
	return code, message
}

// classifyRejection partitions an upstream rejection by error code:
// token-lifecycle codes map to their own errors regardless of phase, all
// other codes map to the phase's error kind.
func classifyRejection(code, message string, phaseErr error) error {
	switch code {
	case CodeTokenExpired:
		return fmt.Errorf("%w: code=%s, message=%s", ErrTokenExpired, code, message)
	case CodeInvalidToken:
		return fmt.Errorf("%w: code=%s, message=%s", ErrTokenInvalid, code, message)
	}
	return fmt.Errorf("%w: code=%s, message=%s", phaseErr, code, message)
}
