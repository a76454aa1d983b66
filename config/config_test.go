package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadSettingsDefaults(t *testing.T) {
	assert := assert.New(t)
	home, err := ioutil.TempDir("", "txwatch")
	assert.Nil(err)
	defer os.RemoveAll(home)

	v, err := loadSettings(home)
	assert.Nil(err)
	assert.Equal(SourceLevel, v.GetString("source"))
	assert.Equal(15*time.Second, v.GetDuration("deadline"))
	assert.Equal(1000, v.GetInt("window_length"))
	assert.Equal(home+"/data", v.GetString("level_dir"))
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	assert := assert.New(t)
	home, err := ioutil.TempDir("", "txwatch")
	assert.Nil(err)
	defer os.RemoveAll(home)
	assert.Nil(os.MkdirAll(filepath.Join(home, "config"), 0755))
	toml := "source = \"redis\"\ndeadline = \"30s\"\nredis_stream = \"calendar\"\n"
	assert.Nil(ioutil.WriteFile(filepath.Join(home, "config", "txwatch.toml"), []byte(toml), 0644))

	os.Setenv("TXWATCH_REDIS_STREAM", "override")
	defer os.Unsetenv("TXWATCH_REDIS_STREAM")

	v, err := loadSettings(home)
	assert.Nil(err)
	assert.Equal(SourceRedis, v.GetString("source"), "file should override defaults")
	assert.Equal(30*time.Second, v.GetDuration("deadline"))
	assert.Equal("override", v.GetString("redis_stream"), "env should override the file")
}

func TestLoadSettingsBadFile(t *testing.T) {
	home, err := ioutil.TempDir("", "txwatch")
	assert.Nil(t, err)
	defer os.RemoveAll(home)
	assert.Nil(t, os.MkdirAll(filepath.Join(home, "config"), 0755))
	assert.Nil(t, ioutil.WriteFile(filepath.Join(home, "config", "txwatch.toml"), []byte("source = "), 0644))
	_, err = loadSettings(home)
	assert.NotNil(t, err, "malformed config should be reported")
}

func TestCopyEnvVars(t *testing.T) {
	assert := assert.New(t)
	os.Setenv("TXWATCHWORKERS", "9")
	defer os.Unsetenv("TXWATCHWORKERS")
	defer os.Unsetenv("TXWATCH_WORKERS")
	copyEnvVars(EnvPrefix)
	assert.Equal("9", os.Getenv("TXWATCH_WORKERS"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, b:2,,a:1"))
	assert.Empty(t, splitList(""))
}

func TestNewLogger(t *testing.T) {
	assert.NotNil(t, NewLogger("debug"))
	assert.NotNil(t, NewLogger("nonsense"))
}
