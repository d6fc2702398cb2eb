package log

import (
	"errors"
	"testing"
	"time"

	"github.com/devicelink/devicelink-go/pkg/errs"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)
	original := Event{
		Timestamp:    ts,
		ConnectionID: "abc12345-def6-7890-abcd-ef1234567890",
		Direction:    DirectionOut,
		Layer:        LayerLink,
		Category:     CategoryMessage,
		Host:         "hub.example.net",
		LinkName:     "sender-1",
		Address:      "/devices/d1/messages/events",
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.ConnectionID != original.ConnectionID {
		t.Errorf("ConnectionID: got %q, want %q", decoded.ConnectionID, original.ConnectionID)
	}
	if decoded.Direction != original.Direction {
		t.Errorf("Direction: got %v, want %v", decoded.Direction, original.Direction)
	}
	if decoded.Layer != original.Layer {
		t.Errorf("Layer: got %v, want %v", decoded.Layer, original.Layer)
	}
	if decoded.Category != original.Category {
		t.Errorf("Category: got %v, want %v", decoded.Category, original.Category)
	}
	if decoded.Host != original.Host {
		t.Errorf("Host: got %q, want %q", decoded.Host, original.Host)
	}
	if decoded.LinkName != original.LinkName {
		t.Errorf("LinkName: got %q, want %q", decoded.LinkName, original.LinkName)
	}
	if decoded.Address != original.Address {
		t.Errorf("Address: got %q, want %q", decoded.Address, original.Address)
	}
}

func TestSettlementEventCBORRoundTrip(t *testing.T) {
	latency := 42 * time.Millisecond
	original := Event{
		Timestamp: time.Now(),
		Layer:     LayerLink,
		Category:  CategorySettlement,
		Settlement: &SettlementEvent{
			DeliveryID: 9,
			MessageID:  "msg-9",
			Outcome:    OutcomeRejected,
			Latency:    &latency,
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.Settlement == nil {
		t.Fatal("Settlement is nil")
	}
	if decoded.Settlement.DeliveryID != 9 {
		t.Errorf("DeliveryID: got %d, want 9", decoded.Settlement.DeliveryID)
	}
	if decoded.Settlement.Outcome != OutcomeRejected {
		t.Errorf("Outcome: got %v, want %v", decoded.Settlement.Outcome, OutcomeRejected)
	}
	if decoded.Settlement.Latency == nil || *decoded.Settlement.Latency != latency {
		t.Errorf("Latency: got %v, want %v", decoded.Settlement.Latency, latency)
	}
}

func TestTokenEventCBORRoundTrip(t *testing.T) {
	status := 200
	original := Event{
		Timestamp: time.Now(),
		Direction: DirectionIn,
		Layer:     LayerCBS,
		Category:  CategoryToken,
		Token: &TokenEvent{
			Audience:    "hub.example.net/devices/d1",
			RequestID:   "req-1",
			StatusCode:  &status,
			Description: "OK",
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.Token == nil {
		t.Fatal("Token is nil")
	}
	if decoded.Token.Audience != original.Token.Audience {
		t.Errorf("Audience: got %q, want %q", decoded.Token.Audience, original.Token.Audience)
	}
	if decoded.Token.StatusCode == nil || *decoded.Token.StatusCode != 200 {
		t.Errorf("StatusCode: got %v, want 200", decoded.Token.StatusCode)
	}
}

func TestStateChangeEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp: time.Now(),
		Layer:     LayerConnection,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityConnection,
			OldState: "CONNECTING",
			NewState: "CONNECTED",
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.StateChange == nil {
		t.Fatal("StateChange is nil")
	}
	if *decoded.StateChange != *original.StateChange {
		t.Errorf("StateChange: got %+v, want %+v", *decoded.StateChange, *original.StateChange)
	}
}

func TestDescribe(t *testing.T) {
	if Describe(LayerLink, nil, "send") != nil {
		t.Error("Describe(nil) should be nil")
	}

	remote := &errs.RemoteError{Condition: errs.CondDeviceThrottled, Description: "slow down"}
	data := Describe(LayerLink, errs.Translate(remote), "send")
	if data.Kind != "THROTTLING" {
		t.Errorf("Kind: got %q, want %q", data.Kind, "THROTTLING")
	}
	if data.Condition != errs.CondDeviceThrottled {
		t.Errorf("Condition: got %q, want %q", data.Condition, errs.CondDeviceThrottled)
	}
	if data.Context != "send" {
		t.Errorf("Context: got %q, want %q", data.Context, "send")
	}

	plain := Describe(LayerConnection, errors.New("boom"), "")
	if plain.Kind != "UNKNOWN" || plain.Condition != "" {
		t.Errorf("plain error: got kind %q condition %q", plain.Kind, plain.Condition)
	}
}

func TestEmitterStampsEvents(t *testing.T) {
	mock := &recorder{}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	em := &Emitter{Logger: mock, ConnectionID: "c1", Host: "hub", Now: func() time.Time { return ts }}

	em.State(LayerLink, StateEntityLink, "l1", "DETACHED", "ATTACHING", nil)
	em.Error(LayerLink, "l1", errs.New(errs.LinkDetached, "gone"), "detach")
	em.Error(LayerLink, "l1", nil, "ignored")

	if len(mock.events) != 2 {
		t.Fatalf("got %d events, want 2", len(mock.events))
	}
	for _, e := range mock.events {
		if e.ConnectionID != "c1" || e.Host != "hub" || !e.Timestamp.Equal(ts) {
			t.Errorf("event not stamped: %+v", e)
		}
	}
	if mock.events[0].StateChange.NewState != "ATTACHING" {
		t.Errorf("NewState: got %q", mock.events[0].StateChange.NewState)
	}
	if mock.events[1].Error.Kind != "LINK_DETACHED" {
		t.Errorf("Kind: got %q", mock.events[1].Error.Kind)
	}

	var nilEmitter *Emitter
	nilEmitter.Emit(Event{})
	if nilEmitter.Enabled() {
		t.Error("nil emitter reports enabled")
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	event := Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Direction:    DirectionIn,
		Layer:        LayerConnection,
		Category:     CategoryMessage,
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	// Decode to generic map and verify keys are integers
	var rawMap map[uint64]any
	if err := decMode.Unmarshal(data, &rawMap); err != nil {
		t.Fatalf("failed to decode as map: %v", err)
	}

	expectedKeys := []uint64{1, 2, 3, 4, 5}
	for _, key := range expectedKeys {
		if _, ok := rawMap[key]; !ok {
			t.Errorf("expected integer key %d not found in encoded data", key)
		}
	}

	// Verify no string keys
	var stringMap map[string]any
	if err := decMode.Unmarshal(data, &stringMap); err == nil && len(stringMap) > 0 {
		t.Error("encoded data contains string keys, expected integer keys only")
	}
}

func TestEncodeEventTooLarge(t *testing.T) {
	event := Event{
		Layer:    LayerLink,
		Category: CategoryMessage,
		LinkName: "telemetry",
		Message:  &MessageEvent{MessageID: "big", Properties: map[string]any{"blob": string(make([]byte, MaxEventSize))}},
	}
	_, err := EncodeEvent(event)
	var tooLarge *EventTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected EventTooLargeError, got %v", err)
	}
	if tooLarge.Category != CategoryMessage || tooLarge.Size <= MaxEventSize {
		t.Errorf("unexpected error details: %+v", tooLarge)
	}
}
