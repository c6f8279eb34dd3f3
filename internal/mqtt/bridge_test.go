package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"astrobox-agent/internal/printer"
)

func TestDiscoveryCloudSensor(t *testing.T) {
	msgs := buildDiscovery("astrobox", "workshop")
	if len(msgs) != 3 {
		t.Fatalf("discovery messages = %d, want 3", len(msgs))
	}

	var cloudMsg *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/binary_sensor/astrobox_workshop/cloud/config" {
			cloudMsg = &msgs[i]
			break
		}
	}
	if cloudMsg == nil {
		t.Fatal("cloud discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(cloudMsg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "workshop cloud" {
		t.Errorf("name = %q, want %q", payload.Name, "workshop cloud")
	}
	if payload.StateTopic != "astrobox/cloud" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "astrobox/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.DeviceClass != "connectivity" {
		t.Errorf("device_class = %q", payload.DeviceClass)
	}
	if payload.Device.Name != "workshop" {
		t.Errorf("device.name = %q", payload.Device.Name)
	}
}

func TestDiscoveryDownloadSensorUnit(t *testing.T) {
	msgs := buildDiscovery("astrobox", "workshop")

	for _, m := range msgs {
		if m.Topic != "homeassistant/sensor/astrobox_workshop/download/config" {
			continue
		}
		var payload haDiscovery
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.UnitOfMeasurement != "%" {
			t.Errorf("unit = %q, want %%", payload.UnitOfMeasurement)
		}
		return
	}
	t.Fatal("download discovery not found")
}

type tempRecorder struct {
	printer.Disconnected
	operational bool
	target      string
	value       float64
}

func (r *tempRecorder) IsOperational() bool { return r.operational }

func (r *tempRecorder) SetTemperature(target string, value float64) error {
	r.target = target
	r.value = value
	return nil
}

func newTestBridge(control printer.Control) *Bridge {
	return &Bridge{
		control: control,
		prefix:  "astrobox",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSetTempCommand(t *testing.T) {
	rec := &tempRecorder{operational: true}
	b := newTestBridge(rec)

	b.handleSetTemp([]byte(`{"target":"bed","value":60}`))

	if rec.target != "bed" || rec.value != 60 {
		t.Errorf("applied = %q/%v, want bed/60", rec.target, rec.value)
	}
}

func TestSetTempIgnoredWhileNotOperational(t *testing.T) {
	rec := &tempRecorder{operational: false}
	b := newTestBridge(rec)

	b.handleSetTemp([]byte(`{"target":"bed","value":60}`))

	if rec.target != "" {
		t.Errorf("set_temp applied while not operational: %q", rec.target)
	}
}

func TestSetTempInvalidPayloadIgnored(t *testing.T) {
	rec := &tempRecorder{operational: true}
	b := newTestBridge(rec)

	b.handleSetTemp([]byte(`not json`))
	b.handleSetTemp([]byte(`{"value":60}`))

	if rec.target != "" {
		t.Errorf("invalid command applied: %q", rec.target)
	}
}
