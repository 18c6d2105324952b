package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"bad request", fmt.Errorf("message is required: %w", ErrBadRequest), http.StatusBadRequest},
		{"not found", fmt.Errorf("workflow abc: %w", ErrNotFound), http.StatusNotFound},
		{"upstream", fmt.Errorf("inference: %w", ErrUpstream), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
