package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"astrobox-agent/internal/boxrouter"
	"astrobox-agent/internal/camera"
	"astrobox-agent/internal/cloud"
	"astrobox-agent/internal/downloads"
	"astrobox-agent/internal/events"
	"astrobox-agent/internal/mqtt"
	"astrobox-agent/internal/printer"
	"astrobox-agent/internal/store"
	"astrobox-agent/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Cloud struct {
		APIHost      string `yaml:"api_host"`
		WebSocketURL string `yaml:"websocket_url"`
		AppID        string `yaml:"app_id"`
		VariantID    string `yaml:"variant_id"`
		DownloadDir  string `yaml:"download_dir"`
	} `yaml:"cloud"`
	Box struct {
		Name         string   `yaml:"name"`
		IDPath       string   `yaml:"id_path"`
		Model        string   `yaml:"model"`
		Capabilities []string `yaml:"capabilities"`
	} `yaml:"box"`
	Printer struct {
		Profile boxrouter.Profile `yaml:"profile"`
	} `yaml:"printer"`
	Camera struct {
		SnapshotURL string `yaml:"snapshot_url"`
	} `yaml:"camera"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Cloud.AppID == "" {
		return fmt.Errorf("cloud.app_id is required")
	}
	if c.Box.Name == "" {
		return fmt.Errorf("box.name is required")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("astrobox-agent starting", "version", version)

	// Open store and resolve the box identity.
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	boxID, err := store.BoxID(cfg.Box.IDPath)
	if err != nil {
		logger.Error("resolve box id", "err", err)
		os.Exit(1)
	}
	logger.Info("box identity", "box_id", boxID, "name", cfg.Box.Name)

	if err := os.MkdirAll(cfg.Cloud.DownloadDir, 0o755); err != nil {
		logger.Error("create download dir", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	dl := downloads.NewManager(0, logger)

	// No serial driver is wired yet; the printer surface reports offline
	// until one is.
	var control printer.Control = printer.Disconnected{}
	listener := printer.NewListener(db, nil, bus, logger)

	cloudClient := cloud.NewClient(cloud.Config{
		APIHost:     cfg.Cloud.APIHost,
		AppID:       cfg.Cloud.AppID,
		BoxID:       boxID,
		DownloadDir: cfg.Cloud.DownloadDir,
	}, db, dl, control, bus, logger)

	var cam boxrouter.CameraManager = camera.Disabled{}
	var webcam *camera.Webcam
	if cfg.Camera.SnapshotURL != "" {
		webcam = camera.NewWebcam(httpSnapshot(cfg.Camera.SnapshotURL), cloudClient, logger)
		cam = webcam
		logger.Info("camera enabled", "snapshot_url", cfg.Camera.SnapshotURL)
	}

	router := boxrouter.NewRouter(boxrouter.Config{
		WebSocketURL: cfg.Cloud.WebSocketURL,
		BoxID:        boxID,
		VariantID:    cfg.Cloud.VariantID,
		BoxName:      cfg.Box.Name,
		SWVersion:    version,
		PrinterModel: cfg.Box.Model,
		Capabilities: cfg.Box.Capabilities,
		Profile:      cfg.Printer.Profile,
	}, boxrouter.Collaborators{
		Cloud:    cloudClient,
		Printer:  control,
		Jobs:     listener,
		Camera:   cam,
		Filament: db,
	}, bus, logger)

	cloudClient.SetRouter(router)
	if webcam != nil {
		webcam.SetNotifier(router)
	}

	// Bring the cloud link up when a box owner is already logged in.
	if cloudClient.HasAccount() {
		go router.Connect()
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(bus, control, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			BoxName:     cfg.Box.Name,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
		} else {
			bridge.Start()
		}
	}

	webServer := web.NewServer(web.Config{
		Addr:           cfg.Web.Listen,
		BoxName:        cfg.Box.Name,
		APIKey:         cfg.Web.APIKey,
		AllowedOrigins: cfg.Web.AllowedOrigins,
	}, router, cloudClient, db, bus, logger)

	go func() {
		if err := webServer.Start(); err != nil {
			logger.Error("web server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if bridge != nil {
		bridge.Stop()
	}
	if err := webServer.Stop(shutdownCtx); err != nil {
		logger.Error("web server shutdown", "err", err)
	}
	router.Shutdown()
	if webcam != nil {
		webcam.Stop()
	}
	dl.Shutdown()

	logger.Info("goodbye")
}

// httpSnapshot grabs a still frame from an MJPEG-style snapshot endpoint.
func httpSnapshot(url string) camera.SnapshotFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func() ([]byte, error) {
		resp, err := client.Get(url)
		if err != nil {
			return nil, fmt.Errorf("camera snapshot: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("camera snapshot: status %d", resp.StatusCode)
		}
		img, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("camera snapshot: %w", err)
		}
		return img, nil
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Cloud.APIHost == "" {
		cfg.Cloud.APIHost = "https://api.astroprint.com"
	}
	if cfg.Cloud.WebSocketURL == "" {
		cfg.Cloud.WebSocketURL = "wss://boxrouter.astroprint.com"
	}
	if cfg.Cloud.VariantID == "" {
		cfg.Cloud.VariantID = "default"
	}
	if cfg.Cloud.DownloadDir == "" {
		cfg.Cloud.DownloadDir = "downloads"
	}
	if cfg.Box.IDPath == "" {
		cfg.Box.IDPath = "box-id"
	}
	if len(cfg.Box.Capabilities) == 0 {
		cfg.Box.Capabilities = []string{"remotePrint", "multiExtruders"}
	}
	if cfg.Printer.Profile.Driver == "" {
		cfg.Printer.Profile.Driver = "marlin"
	}
	if cfg.Printer.Profile.ExtruderCount == 0 {
		cfg.Printer.Profile.ExtruderCount = 1
	}
	if cfg.Printer.Profile.MaxNozzleTemp == 0 {
		cfg.Printer.Profile.MaxNozzleTemp = 280
	}
	if cfg.Printer.Profile.MaxBedTemp == 0 {
		cfg.Printer.Profile.MaxBedTemp = 100
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "astrobox-agent.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "astrobox"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
