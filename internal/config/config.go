// Package config 实现 jitci 的配置选项加载与校验
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "jitci.toml" // 默认配置文件名

	// MaxEventLogLevel 事件日志级别上限，超过此级别不再扩大详细日志缓冲区
	MaxEventLogLevel = 4

	// DefaultLogEventsBufferEntries 事件环形缓冲区默认条目数
	DefaultLogEventsBufferEntries = 20

	// DefaultErrorFile 致命日志默认文件名模板
	DefaultErrorFile = "hs_err_pid%p_libjvmci.log"
)

// Options JVMCI 层识别的全部配置项
type Options struct {
	// UseNativeLibrary 是否使用外部编译器共享库（决定单/双运行时模式）
	UseNativeLibrary bool `toml:"use_native_library"`

	// LibPath 共享库搜索路径覆盖（可包含多个目录，以系统路径分隔符分隔）
	LibPath string `toml:"lib_path"`

	// DllDir 默认安装目录，LibPath 为空时在此目录下查找共享库
	DllDir string `toml:"dll_dir"`

	// LibDumpInterface 非空时输出接口描述并退出（"-" 表示标准输出）
	LibDumpInterface string `toml:"lib_dump_interface"`

	// LogEvents 是否启用事件环形缓冲区
	LogEvents bool `toml:"log_events"`

	// LogEventsBufferEntries 简要事件日志容量
	LogEventsBufferEntries int `toml:"log_events_buffer_entries"`

	// EventLogLevel 事件日志级别（0 关闭）
	EventLogLevel int `toml:"event_log_level"`

	// TraceLevel 实时追踪输出级别（0 关闭）
	TraceLevel int `toml:"trace_level"`

	// CounterSize 每线程计数器数组长度（运行时可调整）
	CounterSize int `toml:"counter_size"`

	// CountersExcludeCompiler 汇总计数器时是否排除编译器线程
	CountersExcludeCompiler bool `toml:"counters_exclude_compiler"`

	// ErrorFileToStdout 致命日志写到标准输出
	ErrorFileToStdout bool `toml:"error_file_to_stdout"`

	// ErrorFileToStderr 致命日志写到标准错误
	ErrorFileToStderr bool `toml:"error_file_to_stderr"`

	// NativeLibraryErrorFile 致命日志文件名模板（%p 进程号, %u 随机 uuid）
	NativeLibraryErrorFile string `toml:"native_library_error_file"`
}

// DefaultOptions 返回默认配置
func DefaultOptions() *Options {
	return &Options{
		LogEvents:               true,
		LogEventsBufferEntries:  DefaultLogEventsBufferEntries,
		EventLogLevel:           1,
		CountersExcludeCompiler: true,
	}
}

// file 配置文件的顶层结构
type file struct {
	JVMCI Options `toml:"jvmci"`
}

// Load 从文件加载配置，未出现的键保留默认值
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 TOML 配置内容
func Parse(data []byte) (*Options, error) {
	f := file{JVMCI: *DefaultOptions()}
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	opts := f.JVMCI
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Save 保存配置到文件
func (o *Options) Save(path string) error {
	data, err := toml.Marshal(file{JVMCI: *o})
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 校验配置项之间的一致性
func (o *Options) Validate() error {
	var problems []string
	if o.LogEventsBufferEntries < 0 {
		problems = append(problems, "log_events_buffer_entries must not be negative")
	}
	if o.EventLogLevel < 0 {
		problems = append(problems, "event_log_level must not be negative")
	}
	if o.TraceLevel < 0 {
		problems = append(problems, "trace_level must not be negative")
	}
	if o.CounterSize < 0 {
		problems = append(problems, "counter_size must not be negative")
	}
	if o.ErrorFileToStdout && o.ErrorFileToStderr {
		problems = append(problems, "error_file_to_stdout and error_file_to_stderr are mutually exclusive")
	}
	if len(problems) > 0 {
		return errors.New("invalid options: " + strings.Join(problems, "; "))
	}
	return nil
}

// VerboseEventCapacity 计算详细事件日志容量
//
// 级别 1 以上每升一级容量扩大 10 倍，最多扩大到 MaxEventLogLevel。
func (o *Options) VerboseEventCapacity() int {
	count := o.LogEventsBufferEntries
	for i := 1; i < o.EventLogLevel && i < MaxEventLogLevel; i++ {
		count *= 10
	}
	return count
}

// Clone 返回配置副本
func (o *Options) Clone() *Options {
	c := *o
	return &c
}

// Field 一个配置项的描述
type Field struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Describe 按声明顺序列出全部配置项及其当前值
func (o *Options) Describe() []Field {
	v := reflect.ValueOf(o).Elem()
	t := v.Type()
	out := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("toml")
		if name == "" || name == "-" {
			continue
		}
		out = append(out, Field{
			Name:  name,
			Type:  f.Type.Kind().String(),
			Value: v.Field(i).Interface(),
		})
	}
	return out
}
