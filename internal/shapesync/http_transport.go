package shapesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 30 * time.Second
	liveRequestTimeout    = 90 * time.Second
)

// HTTPTransport streams shapes from the HTTP shape API. The initial snapshot
// is paged with plain requests, and the live log is followed by long-polling
// with live=true once the server reports the shape up-to-date.
type HTTPTransport struct {
	baseURL        string
	token          TokenSource
	httpClient     *http.Client
	log            log.FieldLogger
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	requestTimeout time.Duration
}

func NewHTTPTransport(baseURL string, token TokenSource, httpClient *http.Client, logger log.FieldLogger) *HTTPTransport {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	if httpClient == nil {
		// Long-polls outlive any fixed client timeout. Requests are
		// bounded by their contexts instead.
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTPTransport{
		baseURL:        baseURL,
		token:          token,
		httpClient:     httpClient,
		log:            logger,
		maxRetries:     3,
		baseDelay:      100 * time.Millisecond,
		maxDelay:       2 * time.Second,
		requestTimeout: defaultRequestTimeout,
	}
}

// WithRequestTimeout bounds non-live requests. Zero keeps the default.
func (t *HTTPTransport) WithRequestTimeout(d time.Duration) *HTTPTransport {
	if d > 0 {
		t.requestTimeout = d
	}
	return t
}

func (t *HTTPTransport) SyncShape(ctx context.Context, def ShapeDefinition, from Resume) (Stream, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	var s = &httpStream{
		transport: t,
		def:       def,
		handle:    from.Handle,
		offset:    from.Offset,
	}
	if from.offsetParam() == logoffset.BeforeAll.String() {
		s.handle, s.offset = "", logoffset.BeforeAll
	}
	return s, nil
}

type httpStream struct {
	transport *HTTPTransport
	def       ShapeDefinition

	handle   string
	offset   logoffset.Offset
	cursor   string
	live     bool
	reported bool
	reset    bool
	closed   bool
}

type shapeResponse struct {
	status int
	header http.Header
	body   []byte
}

func (s *httpStream) Next(ctx context.Context) (Batch, error) {
	for {
		if s.closed {
			return Batch{}, fmt.Errorf("shape stream %s closed", s.def.Table)
		}
		resp, err := s.transport.fetch(ctx, s.def, s.request())
		if err != nil {
			return Batch{}, err
		}
		if resp.status == http.StatusConflict {
			s.refetch()
			continue
		}

		if h := resp.header.Get(headerHandle); h != "" {
			s.handle = h
		}
		if c := resp.header.Get(headerCursor); c != "" {
			s.cursor = c
		}
		var upToDate = resp.status == http.StatusNoContent || resp.header.Get(headerUpToDate) != ""

		result, err := decodeMessages(resp.body, s.def)
		if err != nil {
			return Batch{}, err
		}
		if result.mustRefetch {
			s.refetch()
			continue
		}
		upToDate = upToDate || result.upToDate

		var previous = s.offset
		if raw := resp.header.Get(headerOffset); raw != "" {
			next, err := logoffset.Parse(raw)
			if err != nil {
				return Batch{}, fmt.Errorf("shape %s: %s header: %w", s.def.Table, headerOffset, err)
			}
			s.offset = next
		} else if result.lastOffset.IsSet() {
			s.offset = result.lastOffset
		}
		if upToDate {
			s.live = true
		}

		var batch = Batch{
			Records:  result.records,
			Handle:   s.handle,
			Offset:   s.offset,
			UpToDate: s.live,
			Reset:    s.reset,
		}
		if len(batch.Records) == 0 && !batch.Reset && s.offset == previous && (s.reported || !s.live) {
			continue
		}
		s.reset = false
		s.reported = s.reported || s.live
		return batch, nil
	}
}

func (s *httpStream) Close() error {
	s.closed = true
	return nil
}

// refetch restarts the shape from the beginning of a new log. The next
// batch is marked Reset.
func (s *httpStream) refetch() {
	s.transport.log.WithFields(log.Fields{"table": s.def.Table, "handle": s.handle}).Info("server requested shape refetch")
	s.handle, s.offset, s.cursor = "", logoffset.BeforeAll, ""
	s.live, s.reported, s.reset = false, false, true
}

func (s *httpStream) request() string {
	var q = shapeQuery(s.def, Resume{Handle: s.handle, Offset: s.offset})
	if s.live {
		q.Set("live", "true")
		if s.cursor != "" {
			q.Set("cursor", s.cursor)
		}
	}
	return "/v1/shape?" + q.Encode()
}

func (t *HTTPTransport) fetch(ctx context.Context, def ShapeDefinition, requestPath string) (shapeResponse, error) {
	token, err := bearerToken(ctx, t.token)
	if err != nil {
		return shapeResponse{}, err
	}
	var timeout = t.requestTimeout
	if strings.Contains(requestPath, "live=true") {
		timeout = liveRequestTimeout
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.do(ctx, requestPath, token, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return shapeResponse{}, ctx.Err()
			}
			if attempt < t.maxRetries {
				metrics.TransportRetriesTotal.WithLabelValues("network").Inc()
				t.log.WithFields(log.Fields{"table": def.Table, "attempt": attempt + 1, "err": err}).Debug("retrying shape request")
				if waitErr := waitWithContext(ctx, t.retryDelay(attempt+1, "")); waitErr != nil {
					return shapeResponse{}, waitErr
				}
				continue
			}
			return shapeResponse{}, err
		}

		switch {
		case resp.status >= 200 && resp.status <= 299, resp.status == http.StatusConflict:
			return resp, nil
		case (resp.status == http.StatusTooManyRequests || resp.status >= 500) && attempt < t.maxRetries:
			metrics.TransportRetriesTotal.WithLabelValues(strconv.Itoa(resp.status)).Inc()
			if waitErr := waitWithContext(ctx, t.retryDelay(attempt+1, resp.header.Get("Retry-After"))); waitErr != nil {
				return shapeResponse{}, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.body, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(resp.body))
		}
		return shapeResponse{}, &HTTPError{
			StatusCode: resp.status,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (t *HTTPTransport) do(ctx context.Context, requestPath, token string, timeout time.Duration) (shapeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+requestPath, nil)
	if err != nil {
		return shapeResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return shapeResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return shapeResponse{}, err
	}
	return shapeResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func correlationID() string {
	return "replica_" + uuid.NewString()
}

func (t *HTTPTransport) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	return backoffDelay(attempt, t.baseDelay, t.maxDelay, retryAfterHeader)
}

// backoffDelay doubles base per attempt up to max. A Retry-After header
// takes precedence, also capped at max.
func backoffDelay(attempt int, base, max time.Duration, retryAfterHeader string) time.Duration {
	if max <= 0 {
		max = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > max {
			return max
		}
		return retryAfter
	}
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
