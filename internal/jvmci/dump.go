package jvmci

import (
	"fmt"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/config"
	"github.com/tangzhangming/jitci/internal/sharedlib"
	"github.com/tangzhangming/jitci/internal/threads"
)

// InterfaceDescription 编译器共享库构建时需要的接口描述
type InterfaceDescription struct {
	Library         string         `json:"library"`
	ThreadLayout    threads.Layout `json:"thread_layout"`
	BoxCacheClasses []string       `json:"box_cache_classes"`
	Options         []config.Field `json:"options"`
}

// Describe 生成当前构建与配置的接口描述
func (j *JVMCI) Describe() InterfaceDescription {
	return InterfaceDescription{
		Library:         sharedlib.FileName(),
		ThreadLayout:    threads.ThreadLayout(),
		BoxCacheClasses: append([]string(nil), BoxCacheClasses...),
		Options:         j.opts.Describe(),
	}
}

// DumpInterface 以 JSON 格式输出接口描述
func (j *JVMCI) DumpInterface(w io.Writer) error {
	data, err := json.MarshalIndent(j.Describe(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode interface description: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write interface description: %w", err)
	}
	return nil
}

// dumpInterfaceTo 输出到文件，path 为 "-" 时输出到标准输出
func (j *JVMCI) dumpInterfaceTo(path string) error {
	if path == "-" {
		return j.DumpInterface(j.deps.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create interface description file: %w", err)
	}
	if err := j.DumpInterface(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close interface description file: %w", err)
	}
	j.log.Info("wrote interface description", zap.String("path", path))
	return nil
}
