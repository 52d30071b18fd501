package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.LogEvents)
	assert.Equal(t, DefaultLogEventsBufferEntries, opts.LogEventsBufferEntries)
	assert.Equal(t, 1, opts.EventLogLevel)
	assert.True(t, opts.CountersExcludeCompiler)
	assert.False(t, opts.UseNativeLibrary)
	assert.NoError(t, opts.Validate())
}

func TestVerboseEventCapacity(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{0, 20},
		{1, 20},
		{2, 200},
		{3, 2000},
		{4, 20000},
		{5, 20000},
		{9, 20000},
	}
	for _, tt := range tests {
		opts := DefaultOptions()
		opts.EventLogLevel = tt.level
		assert.Equal(t, tt.want, opts.VerboseEventCapacity(), "level %d", tt.level)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
[jvmci]
use_native_library = true
lib_path = "/opt/jvmci/lib"
counter_size = 4
event_log_level = 2
counters_exclude_compiler = false
`)
	opts, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, opts.UseNativeLibrary)
	assert.Equal(t, "/opt/jvmci/lib", opts.LibPath)
	assert.Equal(t, 4, opts.CounterSize)
	assert.Equal(t, 2, opts.EventLogLevel)
	assert.False(t, opts.CountersExcludeCompiler)
	// 未出现的键保留默认值
	assert.True(t, opts.LogEvents)
	assert.Equal(t, DefaultLogEventsBufferEntries, opts.LogEventsBufferEntries)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("[jvmci]\ncounter_size = -1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("[jvmci]\nerror_file_to_stdout = true\nerror_file_to_stderr = true\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("[jvmci\n"))
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	opts := DefaultOptions()
	opts.CounterSize = 7
	fields := opts.Describe()
	require.Len(t, fields, 13)
	assert.Equal(t, "use_native_library", fields[0].Name)
	assert.Equal(t, "bool", fields[0].Type)

	byName := make(map[string]Field)
	for _, f := range fields {
		byName[f.Name] = f
	}
	assert.Equal(t, 7, byName["counter_size"].Value)
	assert.Equal(t, "int", byName["counter_size"].Type)
	assert.Equal(t, "string", byName["lib_path"].Type)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	opts := DefaultOptions()
	opts.CounterSize = 8
	opts.TraceLevel = 3
	require.NoError(t, opts.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, opts, loaded)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[jvmci]\ncounter_size = 1\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Options, 4)
	require.NoError(t, Watch(ctx, path, func(o *Options) {
		select {
		case changes <- o:
		default:
		}
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte("[jvmci]\ncounter_size = 16\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case o := <-changes:
			if o.CounterSize == 16 {
				return
			}
		case <-deadline:
			t.Fatal("no change observed")
		}
	}
}
