package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/pkg/schema"
)

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewHTTPRequestExecutor(srv.Client())
	env, err := e.Execute(context.Background(), input("fetch", `{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)
	require.Len(t, env.Data, 1)

	var resp struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(env.Data[0], &resp))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestHTTPRequest_PostSendsBodyAndHeaders(t *testing.T) {
	var gotBody []byte
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewHTTPRequestExecutor(srv.Client())
	params := `{"method":"post","url":"` + srv.URL + `","headers":{"Authorization":"Bearer tok"},"body":{"order":9}}`
	env, err := e.Execute(context.Background(), input("push", params))
	require.NoError(t, err)
	require.Len(t, env.Data, 1)
	assert.JSONEq(t, `{"order":9}`, string(gotBody))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestHTTPRequest_NonJSONBodyIsQuoted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	e := NewHTTPRequestExecutor(srv.Client())
	env, err := e.Execute(context.Background(), input("fetch", `{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)

	var resp struct {
		Body json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(env.Data[0], &resp))
	assert.Equal(t, `"plain text"`, string(resp.Body))
}

func TestHTTPRequest_ServerErrorFailsStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewHTTPRequestExecutor(srv.Client())
	_, err := e.Execute(context.Background(), input("fetch", `{"url":"`+srv.URL+`"}`))
	require.Error(t, err)

	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeExecution, werr.Code)
	assert.Equal(t, http.StatusBadGateway, werr.Details["status_code"])
}

func TestHTTPRequest_ClientErrorStaysOnMainPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewHTTPRequestExecutor(srv.Client())
	env, err := e.Execute(context.Background(), input("fetch", `{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)

	var resp struct {
		StatusCode int `json:"status_code"`
	}
	require.NoError(t, json.Unmarshal(env.Data[0], &resp))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPRequest_MissingURL(t *testing.T) {
	e := NewHTTPRequestExecutor(nil)
	_, err := e.Execute(context.Background(), input("fetch", `{"method":"get"}`))
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}
