// Package redcap is a client for the REDCap project API.
//
// Every call is a form-encoded POST carrying the project token. Requests are
// retried with exponential backoff on network errors and on 429/5xx answers.
package redcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/etl"
	"datacore/internal/metrics"
)

const (
	MinAttempts          = 10
	MaxAttempts          = 20
	DefaultBackoffFactor = 10 * time.Second
	defaultTimeout       = 5 * time.Minute
)

var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("redcap: HTTP %d: %s", e.Status, e.Body)
}

// File is a downloaded file-field attachment.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// FieldMeta is one row of the project data dictionary.
type FieldMeta struct {
	FieldName  string `json:"field_name"`
	FormName   string `json:"form_name"`
	FieldType  string `json:"field_type"`
	FieldLabel string `json:"field_label"`
	Choices    string `json:"select_choices_or_calculations"`
	Validation string `json:"text_validation_type_or_show_slider_number"`
	Required   string `json:"required_field"`
}

// Client talks to one REDCap project.
type Client struct {
	apiURL      string
	token       string
	http        *http.Client
	maxAttempts int
	newBackOff  func() backoff.BackOff
	log         *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxAttempts sets the attempt budget, clamped to [MinAttempts, MaxAttempts].
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = ClampAttempts(n) }
}

// WithBackoffFactor sets the first retry delay; later delays double.
func WithBackoffFactor(d time.Duration) Option {
	return func(c *Client) {
		c.newBackOff = func() backoff.BackOff { return exponential(d) }
	}
}

// WithBackOff supplies the retry delay policy directly.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for apiURL authenticated with token.
func NewClient(apiURL, token string, opts ...Option) *Client {
	c := &Client{
		apiURL:      apiURL,
		token:       token,
		http:        &http.Client{Timeout: defaultTimeout},
		maxAttempts: MinAttempts,
		newBackOff:  func() backoff.BackOff { return exponential(DefaultBackoffFactor) },
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ClampAttempts bounds n to the supported retry budget.
func ClampAttempts(n int) int {
	if n < MinAttempts {
		return MinAttempts
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

func exponential(factor time.Duration) backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     factor,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         factor * 64,
	}
}

// ── API calls ──────────────────────────────────────────────

// ListRecordIDs returns every record id of the project, deduplicated and
// sorted ascending (numerically when ids are numeric).
func (c *Client) ListRecordIDs(ctx context.Context) ([]string, error) {
	form := url.Values{}
	form.Set("content", "record")
	form.Set("type", "flat")
	form.Set("fields[0]", "record_id")

	body, _, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("redcap: decode record ids: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		v, ok := r["record_id"]
		if !ok || v == nil {
			continue
		}
		id := fmt.Sprint(v)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids, nil
}

// ExportRecords fetches the given records with raw (coded) values. Key order
// of each record follows the response.
func (c *Client) ExportRecords(ctx context.Context, ids []string) ([]*etl.OrderedRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	form := url.Values{}
	form.Set("content", "record")
	form.Set("type", "flat")
	form.Set("rawOrLabel", "raw")
	form.Set("exportCheckboxLabel", "false")
	for i, id := range ids {
		form.Set(fmt.Sprintf("records[%d]", i), id)
	}

	body, _, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	rows, err := etl.DecodeJSONArray(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("redcap: decode records: %w", err)
	}
	return rows, nil
}

// ExportFile downloads the attachment stored in field of recordID.
func (c *Client) ExportFile(ctx context.Context, recordID, field string) (*File, error) {
	form := url.Values{}
	form.Set("content", "file")
	form.Set("action", "export")
	form.Set("record", recordID)
	form.Set("field", field)

	body, header, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	f := &File{Name: field, ContentType: "application/octet-stream", Data: body}
	if mt, params, err := mime.ParseMediaType(header.Get("Content-Type")); err == nil {
		f.ContentType = mt
		if name := params["name"]; name != "" {
			f.Name = name
		}
	}
	if _, params, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil {
		if name := params["filename"]; name != "" {
			f.Name = name
		}
	}
	return f, nil
}

// ExportMetadata returns the project data dictionary.
func (c *Client) ExportMetadata(ctx context.Context) ([]FieldMeta, error) {
	form := url.Values{}
	form.Set("content", "metadata")

	body, _, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	var meta []FieldMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("redcap: decode metadata: %w", err)
	}
	return meta, nil
}

// ── Transport ──────────────────────────────────────────────

// post sends one API call with the retry policy. Exhausted retries on a
// retryable failure return *apperr.TransientSourceError.
func (c *Client) post(ctx context.Context, form url.Values) ([]byte, http.Header, error) {
	form.Set("token", c.token)
	form.Set("format", "json")
	form.Set("returnFormat", "json")
	content := form.Get("content")
	encoded := form.Encode()

	type response struct {
		body   []byte
		header http.Header
	}

	attempts := 0
	lastStatus := 0
	op := func() (response, error) {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(encoded))
		if err != nil {
			return response{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.RedcapRequestsTotal.WithLabelValues(content, "error").Inc()
			if ctx.Err() != nil {
				return response{}, backoff.Permanent(ctx.Err())
			}
			return response{}, err
		}
		defer resp.Body.Close()
		lastStatus = resp.StatusCode
		metrics.RedcapRequestsTotal.WithLabelValues(content, strconv.Itoa(resp.StatusCode)).Inc()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return response{}, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return response{body: body, header: resp.Header}, nil
		}

		serr := &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 300)}
		if !retryStatuses[resp.StatusCode] {
			return response{}, backoff.Permanent(serr)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
				return response{}, errors.Join(serr, backoff.RetryAfter(secs))
			}
		}
		return response{}, serr
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RedcapRetriesTotal.WithLabelValues(content).Inc()
			c.log.Warn("redcap request failed, retrying",
				zap.String("content", content),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return res.body, res.header, nil
	}

	var serr *StatusError
	if errors.As(err, &serr) && !retryStatuses[serr.Status] {
		return nil, nil, err
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	return nil, nil, &apperr.TransientSourceError{
		Op:       content,
		Status:   lastStatus,
		Attempts: attempts,
		Cause:    err,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// SortIDs orders record ids ascending: numeric ids by value, others lexically
// after all numeric ids.
func SortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, aErr := strconv.ParseInt(ids[i], 10, 64)
		b, bErr := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}
