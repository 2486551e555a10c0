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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestActiveConnections(t *testing.T) {
	Enable()
	ActiveConnections.Set(0)

	IncrementActiveConnections()
	IncrementActiveConnections()
	if got := testutil.ToFloat64(ActiveConnections); got != 2 {
		t.Errorf("Expected 2 active connections, got %v", got)
	}

	DecrementActiveConnections()
	if got := testutil.ToFloat64(ActiveConnections); got != 1 {
		t.Errorf("Expected 1 active connection, got %v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	Enable()
	ActiveSessions.Reset()
	SessionsTotal.Reset()

	SessionStarted(KindDKG)
	SessionStarted(KindDKG)
	SessionStarted(KindSign)

	if got := testutil.ToFloat64(ActiveSessions.WithLabelValues(KindDKG)); got != 2 {
		t.Errorf("Expected 2 active dkg sessions, got %v", got)
	}

	SessionEnded(KindDKG, "finalized")
	SessionEnded(KindSign, "failed")

	if got := testutil.ToFloat64(ActiveSessions.WithLabelValues(KindDKG)); got != 1 {
		t.Errorf("Expected 1 active dkg session, got %v", got)
	}
	if got := testutil.ToFloat64(SessionsTotal.WithLabelValues(KindDKG, "finalized")); got != 1 {
		t.Errorf("Expected 1 finalized dkg session, got %v", got)
	}
	if got := testutil.ToFloat64(SessionsTotal.WithLabelValues(KindSign, "failed")); got != 1 {
		t.Errorf("Expected 1 failed sign session, got %v", got)
	}
}

func TestRecordTransition(t *testing.T) {
	Enable()
	RoundTransitions.Reset()

	RecordTransition(KindDKG, "round1")
	RecordTransition(KindDKG, "round1")
	RecordTransition(KindSign, "signature_ready")

	if got := testutil.ToFloat64(RoundTransitions.WithLabelValues(KindDKG, "round1")); got != 2 {
		t.Errorf("Expected 2 round1 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(RoundTransitions.WithLabelValues(KindSign, "signature_ready")); got != 1 {
		t.Errorf("Expected 1 signature_ready transition, got %v", got)
	}
}

func TestRecordMessageAndError(t *testing.T) {
	Enable()
	MessagesTotal.Reset()
	ErrorsTotal.Reset()

	RecordMessage("Login")
	RecordMessage("Login")
	RecordError("auth")

	if got := testutil.ToFloat64(MessagesTotal.WithLabelValues("Login")); got != 2 {
		t.Errorf("Expected 2 Login messages, got %v", got)
	}
	if got := testutil.ToFloat64(ErrorsTotal.WithLabelValues("auth")); got != 1 {
		t.Errorf("Expected 1 auth error, got %v", got)
	}
}

func TestRecordWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()

	MessagesTotal.Reset()
	SessionsTotal.Reset()

	RecordMessage("Login")
	SessionStarted(KindDKG)
	SessionEnded(KindDKG, "finalized")

	if count := testutil.CollectAndCount(MessagesTotal); count != 0 {
		t.Errorf("Expected no messages recorded while disabled, got %d", count)
	}
	if count := testutil.CollectAndCount(SessionsTotal); count != 0 {
		t.Errorf("Expected no sessions recorded while disabled, got %d", count)
	}
}

func TestNamespace(t *testing.T) {
	if Namespace != "fserver" {
		t.Errorf("Expected namespace 'fserver', got '%s'", Namespace)
	}
}
