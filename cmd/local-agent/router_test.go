package main

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"
)

func TestCommandRouter_Register(t *testing.T) {
	r := newCommandRouter()
	handler := func(*process, []byte) (any, error) { return nil, nil }

	if err := r.register("ProcessReady", handler); err != nil {
		t.Fatalf("register() error: %v", err)
	}

	fn, ok := r.lookup("ProcessReady")
	if !ok {
		t.Fatal("lookup() should find registered handler")
	}
	if fn == nil {
		t.Error("handler function should not be nil")
	}
}

func TestCommandRouter_DuplicateRegistration(t *testing.T) {
	r := newCommandRouter()
	handler := func(*process, []byte) (any, error) { return nil, nil }

	r.register("ReportHealth", handler)
	if err := r.register("ReportHealth", handler); err == nil {
		t.Fatal("register() should error on duplicate command")
	}
}

func TestCommandRouter_LookupMissing(t *testing.T) {
	r := newCommandRouter()
	if _, ok := r.lookup("NoSuchCommand"); ok {
		t.Error("lookup() should return false for unregistered command")
	}
}

func TestCommandRouter_Targets(t *testing.T) {
	r := newCommandRouter()
	handler := func(*process, []byte) (any, error) { return nil, nil }

	r.register("ReportHealth", handler)
	r.register("AcceptPlayerSession", handler)
	r.register("ProcessReady", handler)

	want := []string{"AcceptPlayerSession", "ProcessReady", "ReportHealth"}
	if got := r.targets(); !reflect.DeepEqual(got, want) {
		t.Errorf("targets() = %v, want %v", got, want)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(badRequest("bad %s", "port")); got != http.StatusBadRequest {
		t.Errorf("statusFor(badRequest) = %d, want 400", got)
	}
	if got := statusFor(fmt.Errorf("wrapped: %w", badRequest("x"))); got != http.StatusBadRequest {
		t.Errorf("statusFor(wrapped badRequest) = %d, want 400", got)
	}
	if got := statusFor(errors.New("disk full")); got != http.StatusInternalServerError {
		t.Errorf("statusFor(plain) = %d, want 500", got)
	}
}

func TestNewAgent_RegistersEveryCommand(t *testing.T) {
	a := newAgent(config{FleetID: "fleet-test"}, nopLogger(), nil)
	want := []string{
		"AcceptPlayerSession",
		"BackfillMatchmakingRequest",
		"DescribePlayerSessionsRequest",
		"GameSessionActivate",
		"GameSessionTerminate",
		"GetInstanceCertificate",
		"ProcessEnding",
		"ProcessReady",
		"RemovePlayerSession",
		"ReportHealth",
		"StopMatchmakingRequest",
		"UpdatePlayerSessionCreationPolicy",
	}
	if got := a.router.targets(); !reflect.DeepEqual(got, want) {
		t.Errorf("targets() = %v, want %v", got, want)
	}
}
