// SPDX-License-Identifier: GPL-3.0-or-later
package sourceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/errs"
	"github.com/rgrist/m365mover/internal/logging"
)

func init() {
	logging.Init("error")
}

type staticToken struct{ tok *oauth2.Token }

func (s staticToken) Token() (*oauth2.Token, error) { return s.tok, nil }

type failingToken struct{}

func (failingToken) Token() (*oauth2.Token, error) { return nil, fmt.Errorf("no token available") }

func newClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	base := append([]Option{WithBaseURL(srv.URL), WithRetryPolicy(3, 10 * time.Millisecond)}, opts...)
	return NewClient(staticToken{tok: &oauth2.Token{AccessToken: "tkn"}}, base...)
}

func TestListRootFoldersPaginates(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		assert.Equal(t, "eventual", r.Header.Get("ConsistencyLevel"))
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"value":[{"id":"1","displayName":"Inbox","childFolderCount":0}],"@odata.nextLink":"http://` + r.Host + `/page2"}`))
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"value":[{"id":"2","displayName":"Sent","childFolderCount":0}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newClient(t, srv)
	folders, err := c.ListRootFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "Inbox", folders[0].Name)
	assert.Equal(t, "Sent", folders[1].Name)
	assert.EqualValues(t, 2, hits)
}

func TestListChildFoldersSetsParentPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[{"id":"3","displayName":"Sub","childFolderCount":0}]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	parent := domain.Folder{ID: "1", Name: "Inbox", Depth: 0}
	children, err := c.ListChildFolders(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Inbox", children[0].ParentPath)
	assert.Equal(t, 1, children[0].Depth)
}

func TestListRootFoldersAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.ListRootFolders(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.IsAuthFailed))
}

func TestTokenAcquisitionFailureIsAuthFailedNoRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := NewClient(failingToken{}, WithBaseURL(srv.URL), WithRetryPolicy(3, time.Millisecond))
	_, err := c.ListRootFolders(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.IsAuthFailed))
	assert.Zero(t, hits, "no request should have reached the server")
}

func TestThrottledRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"ApplicationThrottled"}}`))
			return
		}
		w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	folders, err := c.ListRootFolders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, folders)
	assert.EqualValues(t, 3, hits)
}

func TestThrottledExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.ListRootFolders(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsThrottled(err))
}

func TestListMessagesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders/f1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[{"id":"m1","size":100}],"@odata.nextLink":"http://` + r.Host + `/page2"}`))
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[{"id":"m2","size":200}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newClient(t, srv)
	msgs, err := c.ListMessages(context.Background(), "f1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.EqualValues(t, 100, msgs[0].Size)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestDownloadMessageWritesFileAndRenamesFromTemp(t *testing.T) {
	body := []byte("From: a@example.com\r\nSubject: hi\r\n\r\nbody")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "abc.eml")

	n, err := c.DownloadMessage(context.Background(), "folder1", "msg1", dest)
	require.NoError(t, err)
	assert.EqualValues(t, len(body), n)

	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadMessageEmptyBodyIsRemoved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	dir := t.TempDir()
	dest := filepath.Join(dir, "abc.eml")

	_, err := c.DownloadMessage(context.Background(), "folder1", "msg1", dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.IsIntegrity))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}
