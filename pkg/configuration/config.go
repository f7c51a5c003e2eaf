/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package configuration

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
	"github.com/carina-io/localpv-agent/pkg/marker"
	"github.com/carina-io/localpv-agent/utils"
)

// EnvPrefix prefixes every environment variable override, e.g.
// LOCALPV_MARKER_KEY for marker-key.
const EnvPrefix = "LOCALPV"

const (
	KeyNodeNameEnv      = "node-name-env"
	KeyMarkerKey        = "marker-key"
	KeyMarkerKind       = "marker-kind"
	KeyRootMountPath    = "root-mount-path"
	KeyByIDRoot         = "by-id-root"
	KeyFstabPath        = "fstab-path"
	KeyHostMountInfo    = "host-mountinfo"
	KeyElevate          = "elevate"
	KeyProbeTimeout     = "probe-timeout"
	KeyFormatTimeout    = "format-timeout"
	KeyWriteTimeout     = "write-timeout"
	KeyMountTimeout     = "mount-timeout"
	KeyKillGrace        = "kill-grace"
	KeyReadRetryTimeout = "read-retry-timeout"
	KeyLogLevel         = "log-level"
	KeyLogFile          = "log-file"
	KeyMetricsTextfile  = "metrics-textfile"
)

var logLevels = []string{"debug", "info", "warn", "error"}

var opt = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

// Config is the agent configuration for one invocation.
type Config struct {
	NodeNameEnv   string `mapstructure:"node-name-env"`
	MarkerKey     string `mapstructure:"marker-key"`
	MarkerKind    string `mapstructure:"marker-kind"`
	RootMountPath string `mapstructure:"root-mount-path"`
	ByIDRoot      string `mapstructure:"by-id-root"`
	FstabPath     string `mapstructure:"fstab-path"`
	HostMountInfo string `mapstructure:"host-mountinfo"`
	// Elevate is the argv prefix granting root, empty when already root
	Elevate []string `mapstructure:"elevate"`

	ProbeTimeout     time.Duration `mapstructure:"probe-timeout"`
	FormatTimeout    time.Duration `mapstructure:"format-timeout"`
	WriteTimeout     time.Duration `mapstructure:"write-timeout"`
	MountTimeout     time.Duration `mapstructure:"mount-timeout"`
	KillGrace        time.Duration `mapstructure:"kill-grace"`
	ReadRetryTimeout time.Duration `mapstructure:"read-retry-timeout"`

	LogLevel        string `mapstructure:"log-level"`
	LogFile         string `mapstructure:"log-file"`
	MetricsTextfile string `mapstructure:"metrics-textfile"`
}

// AddFlags registers every configuration key on fs with its default.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(KeyNodeNameEnv, "NODE_NAME", "environment variable holding the node name")
	fs.String(KeyMarkerKey, "", "node annotation or label key listing the device ids to provision")
	fs.String(KeyMarkerKind, string(marker.KindAnnotation), "marker dictionary, annotation or label")
	fs.String(KeyRootMountPath, "", "absolute directory under which devices are mounted")
	fs.String(KeyByIDRoot, types.DefaultByIDRoot, "directory holding the stable device links")
	fs.String(KeyFstabPath, types.DefaultFstabPath, "mount table registering the devices")
	fs.String(KeyHostMountInfo, types.DefaultHostMountInfo, "mountinfo used to verify new mounts, empty to skip")
	fs.StringSlice(KeyElevate, []string{"sudo", "-n"}, "command prefix granting root, empty when already root")
	fs.Duration(KeyProbeTimeout, 10*time.Second, "timeout of mountpoint, wipefs and mount table reads")
	fs.Duration(KeyFormatTimeout, 10*time.Minute, "timeout of mkfs")
	fs.Duration(KeyWriteTimeout, 30*time.Second, "timeout of the mount table write, mkdir and chattr")
	fs.Duration(KeyMountTimeout, 2*time.Minute, "timeout of mount")
	fs.Duration(KeyKillGrace, 5*time.Second, "grace period between SIGTERM and SIGKILL of a timed out command")
	fs.Duration(KeyReadRetryTimeout, 30*time.Second, "how long transient errors reading the node are retried")
	fs.String(KeyLogLevel, "info", "log level, debug, info, warn or error")
	fs.String(KeyLogFile, "", "rotated log file in addition to stdout")
	fs.String(KeyMetricsTextfile, "", "prometheus textfile receiving the batch metrics")
}

// Load merges flags, LOCALPV_* environment variables and the optional config
// file, in that order of precedence, and validates the result.
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.NewConfigurationError("config", "failed to read %s: %s", configFile, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config, opt); err != nil {
		return nil, utils.NewConfigurationError("config", "failed to unmarshal: %s", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports the first invalid key as a ConfigurationError.
func (c *Config) Validate() error {
	if c.NodeNameEnv == "" {
		return utils.NewConfigurationError(KeyNodeNameEnv, "must not be empty")
	}
	if c.MarkerKey == "" {
		return utils.NewConfigurationError(KeyMarkerKey, "must not be empty")
	}
	if _, err := marker.ParseKind(c.MarkerKind); err != nil {
		return utils.NewConfigurationError(KeyMarkerKind, "%s", err)
	}
	for key, path := range map[string]string{
		KeyRootMountPath: c.RootMountPath,
		KeyByIDRoot:      c.ByIDRoot,
		KeyFstabPath:     c.FstabPath,
	} {
		if !filepath.IsAbs(path) {
			return utils.NewConfigurationError(key, "must be an absolute path: %q", path)
		}
	}
	if c.RootMountPath == "/" {
		return utils.NewConfigurationError(KeyRootMountPath, "must not be the file system root")
	}

	for key, d := range map[string]time.Duration{
		KeyProbeTimeout:  c.ProbeTimeout,
		KeyFormatTimeout: c.FormatTimeout,
		KeyWriteTimeout:  c.WriteTimeout,
		KeyMountTimeout:  c.MountTimeout,
	} {
		if d <= 0 {
			return utils.NewConfigurationError(key, "must be a positive duration: %s", d)
		}
	}
	if c.KillGrace < 0 || c.ReadRetryTimeout < 0 {
		return utils.NewConfigurationError(KeyKillGrace+", "+KeyReadRetryTimeout, "must not be negative")
	}

	if !utils.ContainsString(logLevels, strings.ToLower(c.LogLevel)) {
		return utils.NewConfigurationError(KeyLogLevel, "must be one of %s: %q", strings.Join(logLevels, ", "), c.LogLevel)
	}
	return nil
}

// Marker returns the configured node marker.
func (c *Config) Marker() marker.Marker {
	kind, _ := marker.ParseKind(c.MarkerKind)
	return marker.Marker{Key: c.MarkerKey, Kind: kind}
}
