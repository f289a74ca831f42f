package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

// Resync policies applied by the host when a controller attaches.
const (
	ResyncNone   = "none"
	ResyncReplay = "replay"
)

// SimDevice describes one simulated network tuner box.
type SimDevice struct {
	ID     string `mapstructure:"id"`
	Model  string `mapstructure:"model"`
	Tuners int    `mapstructure:"tuners"`
}

// TunerOverride is the per-tuner section of the config file, keyed by tuner name.
type TunerOverride struct {
	TunerType   string
	UseFullName bool
	Disable     bool
}

func init() {
	v = viper.New()

	v.SetDefault("tunerbridge.home", filepath.Join(xdg.Home, ".tunerbridge"))
	v.SetDefault("host.control_socket", "")
	v.SetDefault("host.api_socket", "")

	v.SetDefault("channel.capacity", 32*1024)
	v.SetDefault("registry.max_tuners", 8)
	v.SetDefault("bridge.resync", ResyncNone)

	v.SetDefault("controller.max_devices", 4)
	v.SetDefault("controller.reconnect_interval", 2*time.Second)

	v.SetDefault("tuner.lock_timeout", 2500*time.Millisecond)
	v.SetDefault("tuner.pump_interval", 64*time.Millisecond)
	v.SetDefault("tuner.read_size", 188*7*64)

	v.SetDefault("sim.devices", []map[string]interface{}{
		{"id": "1010CAFE", "model": "hdhomerun_dvbt", "tuners": 2},
	})

	v.AutomaticEnv()
	v.BindEnv("tunerbridge.home", "TUNERBRIDGE_HOME")
	v.BindEnv("host.control_socket", "TUNERBRIDGE_CONTROL_SOCKET")
	v.BindEnv("host.api_socket", "TUNERBRIDGE_API_SOCKET")
	v.BindEnv("channel.capacity", "TUNERBRIDGE_CHANNEL_CAPACITY")
	v.BindEnv("registry.max_tuners", "TUNERBRIDGE_MAX_TUNERS")
	v.BindEnv("bridge.resync", "TUNERBRIDGE_RESYNC")
	v.BindEnv("controller.max_devices", "TUNERBRIDGE_MAX_DEVICES")
	v.BindEnv("tuner.lock_timeout", "TUNERBRIDGE_LOCK_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.tunerbridge",
		"/etc/tunerbridge",
	}

	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// SetConfigFile loads an explicit config file on top of the defaults.
func SetConfigFile(path string) error {
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

// Set overrides a single key, used by command line flags.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// GetHome returns the tunerbridge state directory
func GetHome() string {
	return v.GetString("tunerbridge.home")
}

// GetControlSocket returns the unix socket the host exposes the control channel on
func GetControlSocket() string {
	if path := v.GetString("host.control_socket"); path != "" {
		return path
	}
	return filepath.Join(GetHome(), "control.sock")
}

// GetAPISocket returns the unix socket serving the host HTTP API
func GetAPISocket() string {
	if path := v.GetString("host.api_socket"); path != "" {
		return path
	}
	return filepath.Join(GetHome(), "api.sock")
}

// GetChannelCapacity returns the byte capacity of each control channel queue
func GetChannelCapacity() int {
	return v.GetInt("channel.capacity")
}

// GetMaxTuners returns the registry capacity
func GetMaxTuners() int {
	return v.GetInt("registry.max_tuners")
}

// GetResyncPolicy returns ResyncNone or ResyncReplay
func GetResyncPolicy() string {
	switch p := strings.ToLower(v.GetString("bridge.resync")); p {
	case ResyncReplay:
		return p
	default:
		return ResyncNone
	}
}

func GetMaxDevices() int {
	return v.GetInt("controller.max_devices")
}

func GetReconnectInterval() time.Duration {
	return v.GetDuration("controller.reconnect_interval")
}

func GetLockTimeout() time.Duration {
	return v.GetDuration("tuner.lock_timeout")
}

func GetPumpInterval() time.Duration {
	return v.GetDuration("tuner.pump_interval")
}

func GetReadSize() int {
	return v.GetInt("tuner.read_size")
}

// GetSimDevices returns the simulated devices the controller discovers
func GetSimDevices() ([]SimDevice, error) {
	var devices []SimDevice
	if err := v.UnmarshalKey("sim.devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetTunerOverride returns the per-tuner section for name. ok is false when
// the config file has no section for it.
func GetTunerOverride(name string) (TunerOverride, bool) {
	prefix := "tuners." + strings.ToLower(name)
	if !v.IsSet(prefix) {
		return TunerOverride{}, false
	}
	return TunerOverride{
		TunerType:   v.GetString(prefix + ".tuner_type"),
		UseFullName: v.GetBool(prefix + ".use_full_name"),
		Disable:     v.GetBool(prefix + ".disable"),
	}, true
}
