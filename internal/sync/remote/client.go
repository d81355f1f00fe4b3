// Package remote is the HTTP client for the evaluation server: submission,
// company evaluations and the liveness probe.
package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/models"
)

// maxErrorBody bounds how much of a rejection body ends up in error text.
const maxErrorBody = 512

// Config holds the server endpoints.
type Config struct {
	BaseURL         string
	SubmitPath      string
	EvaluationsPath string // may contain {companyId}
	VersionPath     string
}

// Client talks to the evaluation server.
type Client struct {
	http   *resty.Client
	cfg    Config
	tokens TokenSource
}

// New creates a Client. Retries are disabled: a failed submission stays
// queued for the next sync cycle instead.
func New(cfg Config, tokens TokenSource) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   client,
		cfg:    cfg,
		tokens: tokens,
	}
}

type submitResponse struct {
	ID int64 `json:"id"`
}

// Submit posts one evaluation. It returns the server-assigned id when the
// response body carries one, otherwise 0.
func (c *Client) Submit(ctx context.Context, payload models.SubmissionPayload) (int64, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		Post(c.cfg.SubmitPath)
	if err != nil {
		return 0, transportError("submit evaluation "+payload.OfflineID, err)
	}
	if !resp.IsSuccess() {
		return 0, errors.Newf(errors.ErrRemoteRejected, "server rejected evaluation %s: HTTP %d: %s",
			payload.OfflineID, resp.StatusCode(), truncate(resp.String()))
	}

	var body submitResponse
	if len(resp.Body()) > 0 && json.Unmarshal(resp.Body(), &body) == nil {
		return body.ID, nil
	}
	return 0, nil
}

// FetchCompanyEvaluations returns the server-confirmed evaluations of a
// company. Every record is validated; any mismatch is INVALID_RESPONSE.
func (c *Client) FetchCompanyEvaluations(ctx context.Context, companyID int64) ([]models.ServerEvaluation, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("companyId", strconv.FormatInt(companyID, 10)).
		SetQueryParam("companyId", strconv.FormatInt(companyID, 10)).
		Get(c.cfg.EvaluationsPath)
	if err != nil {
		return nil, transportError("fetch company evaluations", err)
	}
	if !resp.IsSuccess() {
		return nil, errors.Newf(errors.ErrRemoteRejected, "company evaluations: HTTP %d: %s",
			resp.StatusCode(), truncate(resp.String()))
	}

	return DecodeEvaluations(resp.Body())
}

// DecodeEvaluations parses and validates a JSON array of server evaluations.
func DecodeEvaluations(body []byte) ([]models.ServerEvaluation, error) {
	var records []models.ServerEvaluation
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidResponse, "company evaluations response is not an evaluation array", err)
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidResponse, fmt.Sprintf("company evaluations record %d", i), err)
		}
	}
	return records, nil
}

// Probe measures a HEAD round trip against the version endpoint.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		Head(c.cfg.VersionPath)
	rtt := time.Since(start)
	if err != nil {
		return 0, transportError("probe", err)
	}
	if !resp.IsSuccess() {
		return 0, errors.Newf(errors.ErrRemoteUnavailable, "probe: HTTP %d", resp.StatusCode())
	}

	logging.Debug("Probe completed", map[string]interface{}{
		"rtt_ms": rtt.Milliseconds(),
	})
	return rtt, nil
}

func transportError(op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, op+" timed out", err)
	}
	return errors.Wrap(errors.ErrRemoteUnavailable, op+" failed", err)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
