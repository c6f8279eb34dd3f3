package mqtt

import (
	"encoding/json"
	"fmt"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// buildDiscovery announces the box's telemetry topics to Home Assistant:
// cloud connectivity, printer state and download progress.
func buildDiscovery(prefix, boxName string) []discoveryMsg {
	dev := haDevice{
		Identifiers: []string{"astrobox_" + boxName},
		Model:       "AstroBox",
		Name:        boxName,
	}
	avail := prefix + "/bridge/state"

	entities := []struct {
		component string
		object    string
		cfg       haDiscovery
	}{
		{
			component: "binary_sensor",
			object:    "cloud",
			cfg: haDiscovery{
				Name:          boxName + " cloud",
				UniqueID:      "astrobox_" + boxName + "_cloud",
				StateTopic:    prefix + "/cloud",
				ValueTemplate: "{{ value_json.status }}",
				DeviceClass:   "connectivity",
				PayloadOn:     "connected",
				PayloadOff:    "disconnected",
			},
		},
		{
			component: "sensor",
			object:    "printer_state",
			cfg: haDiscovery{
				Name:          boxName + " printer",
				UniqueID:      "astrobox_" + boxName + "_printer",
				StateTopic:    prefix + "/printer",
				ValueTemplate: "{{ value_json.state }}",
			},
		},
		{
			component: "sensor",
			object:    "download",
			cfg: haDiscovery{
				Name:              boxName + " download",
				UniqueID:          "astrobox_" + boxName + "_download",
				StateTopic:        prefix + "/download",
				ValueTemplate:     "{{ value_json.progress }}",
				UnitOfMeasurement: "%",
			},
		},
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		cfg := e.cfg
		cfg.AvailabilityTopic = avail
		cfg.Device = dev
		payload, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/astrobox_%s/%s/config", e.component, boxName, e.object),
			Payload: payload,
		})
	}
	return msgs
}
