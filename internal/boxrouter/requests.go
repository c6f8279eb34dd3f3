package boxrouter

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"time"

	"astrobox-agent/internal/store"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}){1,2}$`)

// jobInfoAttempts bounds the wait for the job analysis to produce a layer
// count before answering with whatever is known.
const (
	jobInfoAttempts = 60
	jobInfoInterval = 500 * time.Millisecond
)

// handleInitialState assembles the full box snapshot a cloud client asks for
// right after subscribing.
func (d *dispatcher) handleInitialState(_ json.RawMessage, _ string, done doneFunc) {
	r := d.router
	p := r.collab.Printer

	state := map[string]any{
		"printing":     false,
		"operational":  false,
		"paused":       false,
		"heatingUp":    false,
		"tool":         0,
		"camera":       false,
		"printCapture": nil,
		"filament":     nil,
		"profile": map[string]any{
			"driver":          r.cfg.Profile.Driver,
			"extruder_count":  r.cfg.Profile.ExtruderCount,
			"max_nozzle_temp": r.cfg.Profile.MaxNozzleTemp,
			"max_bed_temp":    r.cfg.Profile.MaxBedTemp,
			"heated_bed":      r.cfg.Profile.HeatedBed,
			"invert_z":        r.cfg.Profile.InvertZ,
			"printer_model":   r.cfg.PrinterModel,
		},
		"capabilities": r.cfg.Capabilities,
	}

	if p != nil {
		state["printing"] = p.IsPrinting()
		state["operational"] = p.IsOperational()
		state["paused"] = p.IsPaused()
		state["heatingUp"] = p.IsHeating()
		state["tool"] = p.CurrentTool()
	}
	if cam := r.collab.Camera; cam != nil {
		state["camera"] = cam.Active()
		state["printCapture"] = cam.TimelapseInfo()
	}
	if fs := r.collab.Filament; fs != nil {
		if f, err := fs.GetFilament(); err == nil && f != nil {
			state["filament"] = f
		}
	}
	if jobs := r.collab.Jobs; jobs != nil {
		if state["printing"] == true || state["paused"] == true {
			state["job"] = jobs.JobData()
			state["progress"] = jobs.Progress()
		}
	}

	done(state)
}

// handleJobInfo returns the current job metadata. The slicer analysis that
// yields the layer count can lag the job start, so the answer is polled for
// a bounded time before giving up and returning what exists.
func (d *dispatcher) handleJobInfo(_ json.RawMessage, _ string, done doneFunc) {
	jobs := d.router.collab.Jobs
	if jobs == nil {
		done(errorResult("no job information available"))
		return
	}

	var poll func(attempt int)
	poll = func(attempt int) {
		jd := jobs.JobData()
		if jd == nil {
			done(errorResult("no job information available"))
			return
		}
		if _, ok := jd["layerCount"]; ok || attempt >= jobInfoAttempts {
			done(jd)
			return
		}
		time.AfterFunc(jobInfoInterval, func() { poll(attempt + 1) })
	}
	poll(0)
}

// handlePrinterCommand runs one of the direct printer controls.
func (d *dispatcher) handlePrinterCommand(payload json.RawMessage, _ string, done doneFunc) {
	var body struct {
		Command string          `json:"command"`
		Options json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		done(errorResult("invalid printer command"))
		return
	}

	p := d.router.collab.Printer
	if p == nil {
		done(errorResult("no printer attached"))
		return
	}

	switch body.Command {
	case "pause":
		if err := p.Pause(); err != nil {
			done(errorResult(err.Error()))
			return
		}
		done(nil)
	case "resume":
		if err := p.Resume(); err != nil {
			done(errorResult(err.Error()))
			return
		}
		done(nil)
	case "cancel":
		if err := p.CancelPrint(); err != nil {
			done(errorResult(err.Error()))
			return
		}
		done(nil)
	case "photo":
		cam := d.router.collab.Camera
		if cam == nil || !cam.Active() {
			done(errorResult("camera not available"))
			return
		}
		img, err := cam.Snapshot()
		if err != nil {
			d.logger.Error("unable to take photo", "err", err)
			done(errorResult("unable to take photo"))
			return
		}
		done(map[string]any{
			"success":    true,
			"image_data": base64.StdEncoding.EncodeToString(img),
		})
	default:
		done(errorResult("printer command not supported"))
	}
}

// handlePrintCapture starts or retunes the timelapse for the running print.
func (d *dispatcher) handlePrintCapture(payload json.RawMessage, _ string, done doneFunc) {
	var body struct {
		Freq float64 `json:"freq"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Freq <= 0 {
		done(errorResult("invalid capture frequency"))
		return
	}

	cam := d.router.collab.Camera
	if cam == nil || !cam.Active() {
		done(errorResult("camera not available"))
		return
	}

	var err error
	if cam.TimelapseInfo() != nil {
		err = cam.UpdateTimelapse(body.Freq)
	} else {
		err = cam.StartTimelapse(body.Freq)
	}
	if err != nil {
		done(errorResult(err.Error()))
		return
	}
	done(nil)
}

// handleSignoff logs the box out on cloud request. The response goes out
// first; the actual signoff runs a moment later so the cloud sees the ack.
func (d *dispatcher) handleSignoff(_ json.RawMessage, _ string, done doneFunc) {
	d.logger.Info("remote signoff requested")
	if c := d.router.collab.Cloud; c != nil {
		time.AfterFunc(time.Second, c.SignOff)
	}
	done(nil)
}

// handlePrintFile kicks off fetching and printing a cloud print file. The
// immediate reply only acknowledges the start; progress flows through
// download events.
func (d *dispatcher) handlePrintFile(payload json.RawMessage, _ string, done doneFunc) {
	var body struct {
		PrintFileID string `json:"printFileId"`
		PrintJobID  string `json:"printJobId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.PrintFileID == "" {
		done(errorResult("invalid print file request"))
		return
	}

	c := d.router.collab.Cloud
	if c == nil {
		done(errorResult("cloud not available"))
		return
	}

	done(map[string]any{
		"type":     "progress",
		"id":       body.PrintFileID,
		"progress": 0,
	})
	go c.PrintFile(body.PrintFileID, body.PrintJobID)
}

// handleCancelDownload aborts an in-flight print file download.
func (d *dispatcher) handleCancelDownload(payload json.RawMessage, _ string, done doneFunc) {
	var body struct {
		PrintFileID string `json:"printFileId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.PrintFileID == "" {
		done(errorResult("invalid cancel request"))
		return
	}

	c := d.router.collab.Cloud
	if c == nil || !c.CancelDownload(body.PrintFileID) {
		done(errorResult("unable to cancel download"))
		return
	}
	done(nil)
}

// handleSetFilament records the filament loaded in the printer. A null
// filament clears the selection.
func (d *dispatcher) handleSetFilament(payload json.RawMessage, _ string, done doneFunc) {
	var body struct {
		Filament *store.Filament `json:"filament"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		done(errorResult("invalid filament payload"))
		return
	}
	if body.Filament != nil {
		if body.Filament.Name == "" || !hexColor.MatchString(body.Filament.Color) {
			done(errorResult("invalid filament data"))
			return
		}
	}

	fs := d.router.collab.Filament
	if fs == nil {
		done(errorResult("no settings store"))
		return
	}
	if err := fs.SetFilament(body.Filament); err != nil {
		d.logger.Error("unable to store filament", "err", err)
		done(errorResult("unable to store filament"))
		return
	}

	d.router.OnFilamentChanged(body.Filament)
	done(nil)
}
