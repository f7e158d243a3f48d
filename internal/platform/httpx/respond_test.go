package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	domainErr := errors.New("policy: referenced by open conflict")
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("load: %w", ErrNotFound), http.StatusNotFound},
		{As(domainErr, ErrConflict), http.StatusConflict},
		{As(errors.New("key taken"), ErrDuplicate), http.StatusConflict},
		{As(errors.New("bad"), ErrValidation), http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	}

	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("secret dsn in message"))
	require.NotContains(t, rr.Body.String(), "secret")
}

func TestAsKeepsChain(t *testing.T) {
	base := errors.New("base")
	err := As(fmt.Errorf("wrap: %w", base), ErrValidation)
	require.ErrorIs(t, err, base)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "wrap: base", err.Error())
	require.NoError(t, As(nil, ErrValidation))
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, DecodeJSON(req, &dst))
	require.Equal(t, "x", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","other":1}`))
	require.ErrorIs(t, DecodeJSON(req, &dst), ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	require.ErrorIs(t, DecodeJSON(req, &dst), ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, DecodeJSON(req, &dst))
}

func TestJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, http.StatusCreated, map[string]bool{"allowed": true})
	require.Equal(t, http.StatusCreated, rr.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body["allowed"])
}
