package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Name string `json:"name"`
}

func TestReadJSON(t *testing.T) {
	var b body
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, ReadJSON(r, &b))
	assert.Equal(t, "x", b.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.NoError(t, ReadJSON(r, &b))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	assert.Error(t, ReadJSON(r, &b))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusCreated, Envelope{"data": body{Name: "x"}}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"name":"x"}}`, w.Body.String())
}
