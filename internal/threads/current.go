package threads

import "github.com/jtolds/gls"

var (
	contextManager = gls.NewContextManager()
	currentKey     = gls.GenSym()
)

// Run 在绑定了线程 t 的上下文中执行 fn
//
// fn 内部（包括其同步调用的函数）调用 Current() 得到 t。
// 用 gls.Go 启动的 goroutine 继承绑定。
func (t *Thread) Run(fn func()) {
	contextManager.SetValues(gls.Values{currentKey: t}, fn)
}

// Current 返回当前 goroutine 绑定的线程，未附加时返回 nil
func Current() *Thread {
	v, ok := contextManager.GetValue(currentKey)
	if !ok {
		return nil
	}
	t, _ := v.(*Thread)
	return t
}

// Go 启动继承当前线程绑定的 goroutine
func Go(fn func()) {
	gls.Go(fn)
}

// NewKey 创建 goroutine 局部值的键
func NewKey() interface{} { return gls.GenSym() }

// WithValue 在 key 绑定为 v 的上下文中执行 fn，已有的绑定（包括当前线程）保留
func WithValue(key, v interface{}, fn func()) {
	contextManager.SetValues(gls.Values{key: v}, fn)
}

// Value 返回当前 goroutine 上 key 绑定的值
func Value(key interface{}) (interface{}, bool) {
	return contextManager.GetValue(key)
}
