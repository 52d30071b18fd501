package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay 收到变更事件后等待编辑器写完文件的时间
const settleDelay = 10 * time.Millisecond

// Watch 监视配置文件，文件变化后重新加载并回调 onChange
//
// 监视的是文件所在目录，编辑器以重命名方式保存文件时仍能收到事件。
// 解析失败交给 onError，旧配置继续有效。ctx 结束时停止监视。
func Watch(ctx context.Context, path string, onChange func(*Options), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				drain(watcher.Events)
				opts, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(opts)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}

// drain 合并连续到达的事件，避免读到写了一半的文件
func drain(events <-chan fsnotify.Event) {
	for {
		time.Sleep(settleDelay)
		select {
		case <-events:
		default:
			return
		}
	}
}
