// SPDX-License-Identifier: GPL-3.0-or-later

// Package sourceclient implements the Source Client component: a
// Graph-style REST client over HTTPS that lists mail folders and
// downloads raw MIME bytes, paced and retried the way the corpus's own
// REST clients are (matta-gotmuch's Gmail service), but hand-rolled
// against net/http since no Graph SDK is available in the reference
// corpus.
package sourceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/errs"
	"github.com/rgrist/m365mover/internal/logging"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	pageSize       = 999
)

var _ domain.SourceClient = (*Client)(nil)

// Client is the Source Client. It implements domain.SourceClient.
type Client struct {
	http    *http.Client
	token   oauth2.TokenSource
	baseURL string

	maxRetries int
	retryDelay time.Duration

	l *logrus.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(c *Client) { c.maxRetries, c.retryDelay = maxRetries, retryDelay }
}

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// NewClient builds a Source Client that authenticates every request with
// a fresh token from token, per spec.md §4.2.
func NewClient(token oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		token:      token,
		baseURL:    defaultBaseURL,
		maxRetries: 5,
		retryDelay: 2 * time.Second,
		l:          logging.Logger(logging.Source),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int    `json:"childFolderCount"`
}

type graphFolderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// ListRootFolders implements domain.SourceClient.
func (c *Client) ListRootFolders(ctx context.Context) ([]domain.Folder, error) {
	return c.listFolders(ctx, fmt.Sprintf("%s/me/mailFolders?$top=%d", c.baseURL, pageSize), domain.Folder{})
}

// ListChildFolders implements domain.SourceClient.
func (c *Client) ListChildFolders(ctx context.Context, parent domain.Folder) ([]domain.Folder, error) {
	first := fmt.Sprintf("%s/me/mailFolders/%s/childFolders?$top=%d", c.baseURL, url.PathEscape(parent.ID), pageSize)
	return c.listFolders(ctx, first, parent)
}

func (c *Client) listFolders(ctx context.Context, firstURL string, parent domain.Folder) ([]domain.Folder, error) {
	var out []domain.Folder
	next := firstURL
	for next != "" {
		body, err := c.doGet(ctx, next)
		if err != nil {
			return nil, err
		}

		var page graphFolderPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errs.New(errs.Transport, errors.Wrap(err, "decoding folder listing page"))
		}

		for _, gf := range page.Value {
			out = append(out, domain.Folder{
				ID:         gf.ID,
				Name:       gf.DisplayName,
				ParentPath: parent.LocalPath(),
				ChildCount: gf.ChildFolderCount,
				Depth:      parent.Depth + 1,
			})
		}
		next = page.NextLink
	}
	return out, nil
}

type graphMessage struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

type graphMessagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// ListMessages implements domain.SourceClient. It paginates a folder's
// messages the same way listFolders paginates folders: follow
// @odata.nextLink until exhausted, requesting only the fields the
// download stage needs.
func (c *Client) ListMessages(ctx context.Context, folderID string) ([]domain.MessageSummary, error) {
	var out []domain.MessageSummary
	next := fmt.Sprintf("%s/me/mailFolders/%s/messages?$select=id,size&$top=%d",
		c.baseURL, url.PathEscape(folderID), pageSize)

	for next != "" {
		body, err := c.doGet(ctx, next)
		if err != nil {
			return nil, err
		}

		var page graphMessagePage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errs.New(errs.Transport, errors.Wrap(err, "decoding message listing page"))
		}

		for _, gm := range page.Value {
			out = append(out, domain.MessageSummary{ID: gm.ID, Size: gm.Size})
		}
		next = page.NextLink
	}
	return out, nil
}

// DownloadMessage implements domain.SourceClient. It streams the
// message's raw MIME bytes to a temp file beside dest and renames into
// place only once the body is fully read and, when Content-Length is
// present, its length matches — the mechanism behind spec.md §5's
// "partial downloads are removed" invariant.
func (c *Client) DownloadMessage(ctx context.Context, folderID, messageID, dest string) (int64, error) {
	reqURL := fmt.Sprintf("%s/me/mailFolders/%s/messages/%s/$value",
		c.baseURL, url.PathEscape(folderID), url.PathEscape(messageID))

	resp, err := c.doRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("could not create message directory: %w", err)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("could not create temp file: %w", err)
	}

	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil || written == 0 {
		_ = os.Remove(tmp)
		if copyErr != nil {
			return 0, errs.New(errs.Transport, errors.Wrap(copyErr, "streaming message body"))
		}
		if closeErr != nil {
			return 0, fmt.Errorf("could not finalize temp file: %w", closeErr)
		}
		return 0, errs.New(errs.Integrity, fmt.Errorf("empty message body for %s", messageID))
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if want, err := strconv.ParseInt(cl, 10, 64); err == nil && want != written {
			_ = os.Remove(tmp)
			return 0, errs.New(errs.Integrity, fmt.Errorf("content-length mismatch for %s: got %d want %d", messageID, written, want))
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("could not finalize message file: %w", err)
	}
	return written, nil
}

func (c *Client) doGet(ctx context.Context, reqURL string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.Transport, errors.Wrap(err, "reading response body"))
	}
	return body, nil
}

// doRequest performs one authenticated request, retrying on throttling
// and transport errors up to maxRetries, per spec.md §4.2's failure
// handling table. It returns the response with the body still open for
// the caller to stream or read.
func (c *Client) doRequest(ctx context.Context, method, reqURL string, payload io.Reader) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.l.WithFields(logrus.Fields{"attempt": attempt, "url": reqURL}).Warn("Retrying source request")
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tok, err := c.token.Token()
		if err != nil {
			return nil, errs.New(errs.AuthFailed, errors.Wrap(err, "acquiring source token"))
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, payload)
		if err != nil {
			return nil, fmt.Errorf("could not build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("ConsistencyLevel", "eventual")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = errs.New(errs.Transport, errors.Wrap(err, "source request failed"))
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, errs.New(errs.AuthFailed, fmt.Errorf("source returned %d", resp.StatusCode))
		}

		if throttled(resp) {
			resp.Body.Close()
			lastErr = errs.New(errs.Throttled, fmt.Errorf("source throttled (status %d)", resp.StatusCode))
			continue
		}

		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = errs.New(errs.Transport, fmt.Errorf("source returned %d: %s", resp.StatusCode, truncate(b, 256)))
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("source request exhausted %d retries: %w", c.maxRetries, lastErr)
}

// throttled classifies a response as throttled by the documented
// "ApplicationThrottled" marker in the body, falling back defensively to
// a bare 429, per spec.md §6.
func throttled(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode < 400 {
		return false
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return bytes.Contains(b, []byte("ApplicationThrottled"))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
