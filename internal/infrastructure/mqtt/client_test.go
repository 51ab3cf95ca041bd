package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/nbe-bridge/internal/infrastructure/config"
)

// These tests need no broker. Tests against a live broker are in
// integration_test.go behind the integration build tag.

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "nbe-bridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "nbe-bridge-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "nbe-bridge-test")
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS configured without cfg.Broker.TLS")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers[0] = %v, want ssl://127.0.0.1:8883", opts.Servers[0])
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS 1.2 minimum not configured")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := pahomqtt.NewClientOptions()
	configureLWT(opts, "nbe-bridge-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "nbe/system/status" {
		t.Errorf("WillTopic = %q, want %q", opts.WillTopic, "nbe/system/status")
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}

	var payload map[string]string
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if payload["status"] != "offline" || payload["reason"] != "unexpected_disconnect" {
		t.Errorf("will payload = %v", payload)
	}
}

func TestStatusPayload(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		reason     string
		wantReason bool
	}{
		{"online", statusOnline, "", false},
		{"graceful offline", statusOffline, reasonGraceful, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg StatusMessage
			if err := json.Unmarshal(statusPayload(tt.status, "nbe-bridge", tt.reason), &msg); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if msg.Status != tt.status {
				t.Errorf("status = %q, want %q", msg.Status, tt.status)
			}
			if msg.ClientID != "nbe-bridge" {
				t.Errorf("client_id = %q, want %q", msg.ClientID, "nbe-bridge")
			}
			if (msg.Reason != "") != tt.wantReason {
				t.Errorf("reason = %q", msg.Reason)
			}
			if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
				t.Errorf("timestamp %q: %v", msg.Timestamp, err)
			}
		})
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"invalid qos", "nbe/123456/ack", nil, 3, ErrInvalidQoS},
		{"payload too large", "nbe/123456/snapshot", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "nbe/123456/ack", []byte("{}"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("nbe/+/command", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("nbe/+/command", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("nbe/+/command", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() disconnected error = %v, want ErrNotConnected", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
	if err := client.Unsubscribe("nbe/+/command"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() disconnected error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockLogger struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
}

func (l *mockLogger) Info(string, ...any) {}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warnings = append(l.warnings, msg)
	l.mu.Unlock()
}

func TestWrapHandlerLogsErrors(t *testing.T) {
	client := &Client{}
	logger := &mockLogger{}
	client.SetLogger(logger)

	var got string
	wrapped := client.wrapHandler(func(topic string, payload []byte) error {
		got = topic + " " + string(payload)
		return errors.New("bad command")
	})
	wrapped(nil, fakeMessage{topic: "nbe/123456/command", payload: []byte("{}")})

	if got != "nbe/123456/command {}" {
		t.Errorf("handler saw %q", got)
	}
	if len(logger.warnings) != 1 {
		t.Errorf("warnings = %v, want one", logger.warnings)
	}
	if st := client.Stats(); st.Received != 1 || st.HandlerErrors != 1 || st.Connected {
		t.Errorf("Stats() = %+v, want 1 received, 1 handler error, disconnected", st)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	client := &Client{}
	logger := &mockLogger{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	wrapped(nil, fakeMessage{topic: "nbe/123456/command"})

	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("errors = %v, want one panic entry", logger.errors)
	}
	if got := client.Stats().HandlerErrors; got != 1 {
		t.Errorf("HandlerErrors = %d, want 1", got)
	}
}
