package trackrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TokenProvider supplies the bearer token for a platform API call.
type TokenProvider func(ctx context.Context) (string, error)

type HTTPAdapterOptions struct {
	Platform    string
	BaseURL     string
	Token       string
	TokenSource TokenProvider
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	PageSize    int
}

// HTTPAdapter implements PlatformAdapter against a REST tracker API. Both
// synced platforms in the default deployment speak this surface; anything
// more exotic supplies its own PlatformAdapter. Transient failures (network,
// 429, 5xx) retry with exponential backoff inside a single logical call;
// everything else surfaces immediately as a classified AdapterError.
type HTTPAdapter struct {
	platform   string
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	userAgent  string
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
}

func NewHTTPAdapter(opts HTTPAdapterOptions) (*HTTPAdapter, error) {
	platform := normalizePlatform(opts.Platform)
	if platform == "" {
		return nil, fmt.Errorf("%w: adapter needs a platform name", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: adapter for %s needs a base URL", ErrInvalidInput, platform)
	}
	tokenSource := opts.TokenSource
	if tokenSource == nil {
		staticToken := strings.TrimSpace(opts.Token)
		tokenSource = func(context.Context) (string, error) { return staticToken, nil }
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &HTTPAdapter{
		platform:   platform,
		baseURL:    baseURL,
		token:      tokenSource,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		pageSize:   pageSize,
	}, nil
}

func (a *HTTPAdapter) Platform() string {
	return a.platform
}

func (a *HTTPAdapter) Create(ctx context.Context, req CreateRequest) (RecordRef, error) {
	var out struct {
		ID any `json:"id"`
	}
	path := fmt.Sprintf("/v1/projects/%s/records", url.PathEscape(req.Project))
	body := map[string]any{"title": req.Title, "body": req.Body}
	if len(req.Labels) > 0 {
		body["labels"] = req.Labels
	}
	if err := a.do(ctx, http.MethodPost, "create", path, body, &out); err != nil {
		return RecordRef{}, err
	}
	id := toString(out.ID)
	if id == "" {
		return RecordRef{}, &AdapterError{Platform: a.platform, Op: "create", Kind: AdapterTransient, Err: fmt.Errorf("response carries no id")}
	}
	return RecordRef{Platform: a.platform, Project: req.Project, ID: id}, nil
}

func (a *HTTPAdapter) SetState(ctx context.Context, ref RecordRef, state RecordState) error {
	path := fmt.Sprintf("/v1/projects/%s/records/%s/state", url.PathEscape(ref.Project), url.PathEscape(ref.ID))
	return a.do(ctx, http.MethodPut, "set_state", path, map[string]any{"state": string(state)}, nil)
}

func (a *HTTPAdapter) UpdateLabelOrStatus(ctx context.Context, ref RecordRef, label string, add bool) error {
	if add {
		path := fmt.Sprintf("/v1/projects/%s/records/%s/labels", url.PathEscape(ref.Project), url.PathEscape(ref.ID))
		return a.do(ctx, http.MethodPost, "add_label", path, map[string]any{"label": label}, nil)
	}
	path := fmt.Sprintf("/v1/projects/%s/records/%s/labels/%s", url.PathEscape(ref.Project), url.PathEscape(ref.ID), url.PathEscape(label))
	return a.do(ctx, http.MethodDelete, "remove_label", path, nil, nil)
}

func (a *HTTPAdapter) UpdateAssignee(ctx context.Context, ref RecordRef, user string, add bool) error {
	if add {
		path := fmt.Sprintf("/v1/projects/%s/records/%s/assignees", url.PathEscape(ref.Project), url.PathEscape(ref.ID))
		return a.do(ctx, http.MethodPost, "assign", path, map[string]any{"user": user}, nil)
	}
	path := fmt.Sprintf("/v1/projects/%s/records/%s/assignees/%s", url.PathEscape(ref.Project), url.PathEscape(ref.ID), url.PathEscape(user))
	return a.do(ctx, http.MethodDelete, "unassign", path, nil, nil)
}

func (a *HTTPAdapter) PostComment(ctx context.Context, ref RecordRef, text string) error {
	path := fmt.Sprintf("/v1/projects/%s/records/%s/comments", url.PathEscape(ref.Project), url.PathEscape(ref.ID))
	return a.do(ctx, http.MethodPost, "comment", path, map[string]any{"body": text}, nil)
}

func (a *HTTPAdapter) ListAll(ctx context.Context, project string) ([]RemoteRecord, error) {
	type listItem struct {
		ID        any      `json:"id"`
		Title     string   `json:"title"`
		State     string   `json:"state"`
		Labels    []string `json:"labels"`
		Assignees []string `json:"assignees"`
	}
	var records []RemoteRecord
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(a.pageSize))
		q.Set("state", "all")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page struct {
			Items      []listItem `json:"items"`
			NextCursor *string    `json:"nextCursor"`
		}
		path := fmt.Sprintf("/v1/projects/%s/records?%s", url.PathEscape(project), q.Encode())
		if err := a.do(ctx, http.MethodGet, "list", path, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			state := StateOpen
			if s := strings.ToLower(strings.TrimSpace(item.State)); s == "closed" || s == "completed" || s == "cancelled" || s == "done" {
				state = StateClosed
			}
			records = append(records, RemoteRecord{
				Ref:       RecordRef{Platform: a.platform, Project: project, ID: toString(item.ID)},
				Title:     item.Title,
				State:     state,
				Labels:    item.Labels,
				Assignees: item.Assignees,
			})
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			return records, nil
		}
		cursor = *page.NextCursor
	}
}

func (a *HTTPAdapter) do(ctx context.Context, method, op, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: err}
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialPolicy(a.baseDelay, a.maxDelay), a.maxRetries),
		ctx,
	)
	attempt := func() error {
		token, err := a.token(ctx)
		if err != nil {
			return backoff.Permanent(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterPermissionDenied, Err: err})
		}
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: err})
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if a.userAgent != "" {
			req.Header.Set("User-Agent", a.userAgent)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return classify(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: err})
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return classify(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: readErr})
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return backoff.Permanent(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: err})
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return classify(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterNotFound, Err: apiError(resp.StatusCode, respBody)})
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return classify(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterPermissionDenied, Err: apiError(resp.StatusCode, respBody)})
		case resp.StatusCode == http.StatusTooManyRequests:
			if delay := parseRetryAfterSeconds(resp.Header.Get("Retry-After")); delay > 0 {
				sleepContext(ctx, minDuration(delay, a.maxDelay))
			}
			return classify(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterRateLimited, Err: apiError(resp.StatusCode, respBody)})
		case resp.StatusCode >= 500:
			return classify(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: apiError(resp.StatusCode, respBody)})
		default:
			return backoff.Permanent(&AdapterError{Platform: a.platform, Op: op, Kind: AdapterTransient, Err: apiError(resp.StatusCode, respBody)})
		}
	}
	return backoff.Retry(attempt, policy)
}

// classify hands a failed call to the retry loop: retryable kinds go back
// for another attempt, everything else stops the loop immediately.
func classify(err *AdapterError) error {
	if Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func newExponentialPolicy(baseDelay, maxDelay time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseDelay
	policy.MaxInterval = maxDelay
	policy.MaxElapsedTime = 0
	return policy
}

func apiError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		message = parsed.Message
	}
	if len(message) > 200 {
		message = message[:200]
	}
	return fmt.Errorf("status=%d message=%s", status, message)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
