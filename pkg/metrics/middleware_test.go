// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("Expected 1 GET/200 request, got %v", got)
	}
	if count := testutil.CollectAndCount(HTTPRequestDuration); count != 1 {
		t.Errorf("Expected 1 duration sample, got %d", count)
	}
}

func TestHTTPMiddlewareStatusCodes(t *testing.T) {
	Enable()

	statuses := []int{
		http.StatusNoContent,
		http.StatusNotFound,
		http.StatusInternalServerError,
	}

	for _, status := range statuses {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			HTTPRequestsTotal.Reset()

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})

			rec := httptest.NewRecorder()
			HTTPMiddleware(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", strconv.Itoa(status)))
			if got != 1 {
				t.Errorf("Expected 1 request with status %d, got %v", status, got)
			}
		})
	}
}

func TestHTTPMiddlewareImplicitOK(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()

	// Handler writes the body without an explicit WriteHeader.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("Expected implicit 200 to be recorded, got %v", got)
	}
}

func TestHTTPMiddlewareWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()

	HTTPRequestsTotal.Reset()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected handler to run while disabled, got status %d", rec.Code)
	}
	if count := testutil.CollectAndCount(HTTPRequestsTotal); count != 0 {
		t.Errorf("Expected no requests recorded while disabled, got %d", count)
	}
}
