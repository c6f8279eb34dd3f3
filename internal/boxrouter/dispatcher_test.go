package boxrouter

import (
	"encoding/base64"
	"testing"
	"time"

	"astrobox-agent/internal/store"
)

// request delivers a relayed cloud request and returns the correlated
// response payload.
func request(t *testing.T, conn *fakeConn, reqID, body string) map[string]any {
	t.Helper()
	conn.deliver(t, `{"type":"request","reqId":"`+reqID+`","clientId":"client-1","data":`+body+`}`)
	frame := conn.nextSent(t)
	if frame["type"] != "req_response" {
		t.Fatalf("frame type = %v, want req_response", frame["type"])
	}
	if frame["reqId"] != reqID {
		t.Fatalf("reqId = %v, want %v", frame["reqId"], reqID)
	}
	data, ok := frame["data"].(map[string]any)
	if !ok {
		t.Fatalf("response carries no data object: %v", frame)
	}
	return data
}

func TestInitialStateRequest(t *testing.T) {
	fx := newTestRouter(t)
	fx.printer.mu.Lock()
	fx.printer.printing = true
	fx.printer.tool = 1
	fx.printer.mu.Unlock()
	fx.jobs.mu.Lock()
	fx.jobs.jobData = map[string]any{"name": "part.gcode"}
	fx.jobs.progress = map[string]any{"percent": 42.0}
	fx.jobs.mu.Unlock()

	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"initial_state"}`)
	if data["printing"] != true {
		t.Errorf("printing = %v, want true", data["printing"])
	}
	if data["operational"] != true {
		t.Errorf("operational = %v, want true", data["operational"])
	}
	if data["tool"] != float64(1) {
		t.Errorf("tool = %v, want 1", data["tool"])
	}
	if data["camera"] != true {
		t.Errorf("camera = %v, want true", data["camera"])
	}
	job, ok := data["job"].(map[string]any)
	if !ok || job["name"] != "part.gcode" {
		t.Errorf("job = %v, want the current job data", data["job"])
	}
	profile, ok := data["profile"].(map[string]any)
	if !ok || profile["driver"] != "marlin" {
		t.Errorf("profile = %v", data["profile"])
	}
	if profile["printer_model"] != "Generic RepRap" {
		t.Errorf("printer_model = %v", profile["printer_model"])
	}
}

func TestJobInfoWaitsForLayerCount(t *testing.T) {
	fx := newTestRouter(t)
	fx.jobs.mu.Lock()
	fx.jobs.jobData = map[string]any{"name": "part.gcode"}
	fx.jobs.mu.Unlock()

	conn := fx.connect(t)
	fx.authenticate(t, conn)

	conn.deliver(t, `{"type":"request","reqId":"r1","data":{"type":"job_info"}}`)

	// The analysis finishes while the handler is polling.
	time.Sleep(100 * time.Millisecond)
	fx.jobs.mu.Lock()
	fx.jobs.jobData = map[string]any{"name": "part.gcode", "layerCount": 120}
	fx.jobs.mu.Unlock()

	frame := conn.nextSent(t)
	data := frame["data"].(map[string]any)
	if data["layerCount"] != float64(120) {
		t.Errorf("layerCount = %v, want 120", data["layerCount"])
	}
}

func TestJobInfoWithoutJob(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"job_info"}`)
	if data["error"] != true {
		t.Errorf("error = %v, want true when no job is selected", data["error"])
	}
}

func TestPrinterCommands(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	for i, cmd := range []string{"pause", "resume", "cancel"} {
		data := request(t, conn, "r"+string(rune('1'+i)), `{"type":"printerCommand","payload":{"command":"`+cmd+`"}}`)
		if data["success"] != true {
			t.Errorf("%s: response = %v, want success", cmd, data)
		}
	}

	got := fx.printer.sentCommands()
	want := []string{"pause", "resume", "cancel"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPrinterCommandPhoto(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"printerCommand","payload":{"command":"photo"}}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}
	want := base64.StdEncoding.EncodeToString([]byte("jpeg"))
	if data["image_data"] != want {
		t.Errorf("image_data = %v, want %v", data["image_data"], want)
	}
}

func TestUnknownPrinterCommand(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"printerCommand","payload":{"command":"levitate"}}`)
	if data["error"] != true {
		t.Errorf("error = %v, want true for unsupported command", data["error"])
	}
}

func TestUnknownRequestType(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"warp_drive"}`)
	if data["error"] != true {
		t.Errorf("error = %v, want true for unsupported request", data["error"])
	}
}

func TestSetTempRequiresOperationalPrinter(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	fx.printer.mu.Lock()
	fx.printer.operational = false
	fx.printer.mu.Unlock()
	conn.deliver(t, `{"type":"set_temp","payload":{"target":"tool0","value":210}}`)

	fx.printer.mu.Lock()
	fx.printer.operational = true
	fx.printer.mu.Unlock()
	conn.deliver(t, `{"type":"set_temp","payload":{"target":"bed","value":60}}`)

	waitFor(t, func() bool {
		fx.printer.mu.Lock()
		defer fx.printer.mu.Unlock()
		return fx.printer.temps["bed"] == 60
	}, "operational set_temp never applied")

	fx.printer.mu.Lock()
	defer fx.printer.mu.Unlock()
	if _, ok := fx.printer.temps["tool0"]; ok {
		t.Error("set_temp applied while the printer was not operational")
	}
}

func TestUpdateSubscribersTogglesEventForwarding(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	// Nobody subscribed: the update is swallowed.
	fx.router.BroadcastEvent("temp_update", map[string]any{"tool0": 180.0})
	conn.expectNoFrame(t, 30*time.Millisecond)

	conn.deliver(t, `{"type":"update_subscribers","data":1}`)
	waitFor(t, func() bool { return fx.router.dispatcher.subscriberCount() == 1 }, "subscriber count never updated")

	fx.router.BroadcastEvent("temp_update", map[string]any{"tool0": 180.0})
	frame := conn.nextSent(t)
	if frame["type"] != "send_event" {
		t.Fatalf("frame type = %v, want send_event", frame["type"])
	}
	data := frame["data"].(map[string]any)
	if data["eventType"] != "temp_update" {
		t.Errorf("eventType = %v, want temp_update", data["eventType"])
	}

	conn.deliver(t, `{"type":"update_subscribers","data":-1}`)
	waitFor(t, func() bool { return fx.router.dispatcher.subscriberCount() == 0 }, "subscriber count never dropped")

	fx.router.BroadcastEvent("temp_update", map[string]any{"tool0": 200.0})
	conn.expectNoFrame(t, 30*time.Millisecond)
}

func TestSetFilament(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"set_filament","payload":{"filament":{"name":"PLA Red","color":"#ff0000"}}}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}

	fx.filament.mu.Lock()
	stored := fx.filament.stored
	fx.filament.mu.Unlock()
	if stored == nil || stored.Name != "PLA Red" || stored.Color != "#ff0000" {
		t.Errorf("stored filament = %+v", stored)
	}
}

func TestSetFilamentRejectsBadColor(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"set_filament","payload":{"filament":{"name":"PLA","color":"red"}}}`)
	if data["error"] != true {
		t.Errorf("error = %v, want true for a non-hex color", data["error"])
	}
	fx.filament.mu.Lock()
	defer fx.filament.mu.Unlock()
	if fx.filament.stored != nil {
		t.Errorf("filament stored despite invalid color: %+v", fx.filament.stored)
	}
}

func TestSetFilamentClears(t *testing.T) {
	fx := newTestRouter(t)
	fx.filament.stored = &store.Filament{Name: "PLA Blue", Color: "#0000ff"}
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"set_filament","payload":{"filament":null}}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}
	fx.filament.mu.Lock()
	defer fx.filament.mu.Unlock()
	if fx.filament.stored != nil {
		t.Errorf("filament = %+v, want cleared", fx.filament.stored)
	}
}

func TestPrintFileAcksImmediately(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"print_file","payload":{"printFileId":"pf-1","printJobId":"job-1"}}`)
	if data["type"] != "progress" || data["id"] != "pf-1" || data["progress"] != float64(0) {
		t.Errorf("ack = %v, want zero progress for pf-1", data)
	}

	waitFor(t, func() bool {
		fx.cloud.mu.Lock()
		defer fx.cloud.mu.Unlock()
		return len(fx.cloud.printFiles) == 1 && fx.cloud.printFiles[0] == "pf-1"
	}, "print file fetch never started")
}

func TestCancelDownload(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"cancel_download","payload":{"printFileId":"pf-1"}}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}

	fx.cloud.mu.Lock()
	defer fx.cloud.mu.Unlock()
	if len(fx.cloud.cancelled) != 1 || fx.cloud.cancelled[0] != "pf-1" {
		t.Errorf("cancelled = %v, want [pf-1]", fx.cloud.cancelled)
	}
}

func TestSignoffAcksThenLogsOut(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"signoff"}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}

	waitFor(t, func() bool {
		fx.cloud.mu.Lock()
		defer fx.cloud.mu.Unlock()
		return fx.cloud.signedOff
	}, "signoff never executed")
}

func TestPrintCaptureStartsAndRetunes(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	data := request(t, conn, "r1", `{"type":"printCapture","payload":{"freq":30}}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}
	fx.camera.mu.Lock()
	if fx.camera.started != 30 {
		t.Errorf("started freq = %v, want 30", fx.camera.started)
	}
	fx.camera.tlInfo = map[string]any{"freq": 30.0}
	fx.camera.mu.Unlock()

	data = request(t, conn, "r2", `{"type":"printCapture","payload":{"freq":10}}`)
	if data["success"] != true {
		t.Fatalf("response = %v, want success", data)
	}
	fx.camera.mu.Lock()
	defer fx.camera.mu.Unlock()
	if fx.camera.updated != 10 {
		t.Errorf("updated freq = %v, want 10", fx.camera.updated)
	}
}

func TestForceEventResendsLastValue(t *testing.T) {
	fx := newTestRouter(t)
	conn := fx.connect(t)
	fx.authenticate(t, conn)

	conn.deliver(t, `{"type":"update_subscribers","data":1}`)
	waitFor(t, func() bool { return fx.router.dispatcher.subscriberCount() == 1 }, "subscriber count never updated")

	fx.router.BroadcastEvent("temp_update", map[string]any{"tool0": 195.0})
	conn.nextSent(t)

	// Same payload again: deduplicated.
	fx.router.BroadcastEvent("temp_update", map[string]any{"tool0": 195.0})
	conn.expectNoFrame(t, 30*time.Millisecond)

	// force_event bypasses the dedup cache.
	conn.deliver(t, `{"type":"force_event","data":"temp_update"}`)
	frame := conn.nextSent(t)
	data := frame["data"].(map[string]any)
	payload := data["eventData"].(map[string]any)
	if payload["tool0"] != float64(195) {
		t.Errorf("eventData = %v, want the cached temp", payload)
	}
}
