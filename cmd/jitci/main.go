package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/broker"
	"github.com/tangzhangming/jitci/internal/config"
	"github.com/tangzhangming/jitci/internal/host"
	"github.com/tangzhangming/jitci/internal/jvmci"
	"github.com/tangzhangming/jitci/internal/logging"
	"github.com/tangzhangming/jitci/internal/threads"
)

var (
	configPath    = flag.String("config", "", "Options file (default: ./"+config.ConfigFileName+" if present)")
	nativeLibrary = flag.Bool("native-library", false, "Use the compiler shared library (two runtimes)")
	libPath       = flag.String("lib-path", "", "Directories to search for the compiler shared library")
	dllDir        = flag.String("dll-dir", "", "Default install directory of the compiler shared library")
	counterSize   = flag.Int("counter-size", 0, "Per-thread counter array length")
	eventLevel    = flag.Int("event-level", 1, "Event log level (0 disables)")
	traceLevel    = flag.Int("trace-level", 0, "Trace output level (0 disables)")
	errorFile     = flag.String("error-file", "", "Shared library error report file template")
	workers       = flag.Int("workers", 2, "Number of compiler threads")
	tasks         = flag.Int("tasks", 16, "Number of compile tasks to run")
	steps         = flag.Int("steps", 100, "Steps per compile task")
	resize        = flag.Int("resize", -1, "Resize counters to this length while compiling")
	watch         = flag.Bool("watch", false, "Watch the options file and apply counter_size changes until interrupted")
	dumpInterface = flag.String("dump-interface", "", "Write the interface description to this file (- for stdout) and exit")
	logFile       = flag.String("log-file", "", "Also write the diagnostic log to this file")
)

func main() {
	flag.Parse()

	logger := logging.MustNew(logging.FromEnv(*logFile))
	defer logger.Sync()

	path, opts, err := loadOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, path, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadOptions 读取配置文件并应用命令行上显式给出的选项
func loadOptions() (string, *config.Options, error) {
	path := *configPath
	opts := config.DefaultOptions()
	if path == "" {
		if _, err := os.Stat(config.ConfigFileName); err == nil {
			path = config.ConfigFileName
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return "", nil, err
		}
		opts = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "native-library":
			opts.UseNativeLibrary = *nativeLibrary
		case "lib-path":
			opts.LibPath = *libPath
		case "dll-dir":
			opts.DllDir = *dllDir
		case "counter-size":
			opts.CounterSize = *counterSize
		case "event-level":
			opts.EventLogLevel = *eventLevel
		case "trace-level":
			opts.TraceLevel = *traceLevel
		case "error-file":
			opts.NativeLibraryErrorFile = *errorFile
		case "dump-interface":
			opts.LibDumpInterface = *dumpInterface
		}
	})
	if err := opts.Validate(); err != nil {
		return "", nil, err
	}
	if path == "" {
		path = config.ConfigFileName
	}
	return path, opts, nil
}

// run 驱动完整的生命周期，报告和事件日志写到 out
func run(ctx context.Context, logger *zap.Logger, path string, opts *config.Options, out io.Writer) error {
	vm := host.New(logger)
	j := jvmci.New(opts, vm, jvmci.Deps{
		Logger:    logger,
		Compilers: host.NewCompilerFactory(logger),
	})

	// 系统类加载器就绪之前不能初始化
	if j.CanInitialize() {
		return errors.New("system loader reported ready before startup")
	}
	vm.SetSystemLoaderReady(true)
	if !j.CanInitialize() {
		return errors.New("unable to initialize JVMCI")
	}
	j.InitializeGlobals()

	mainThread, err := j.StartThread("main", threads.KindJava)
	if err != nil {
		return err
	}
	mainThread.Run(func() {
		b, elapsed, cerr := compile(ctx, logger, j, path, mainThread)
		j.ExitThread(mainThread)
		err = cerr
		if b != nil {
			report(out, j, b, elapsed)
		}
		if ferr := j.FreeCounters(); ferr != nil {
			logger.Warn("unable to free counters", zap.Error(ferr))
		}
		err = multierr.Append(err, j.Shutdown())
		if ev := j.Events(); ev != nil {
			ev.Print(out)
		}
	})
	return err
}

// compile 在 main 线程上初始化编译器并运行编译任务
//
// 返回时所有编译器线程都已退出。main 线程每提交一个任务记一次计数，
// 等待期间处于 parked 状态。
func compile(ctx context.Context, logger *zap.Logger, j *jvmci.JVMCI, path string, mainThread *threads.Thread) (*broker.Broker, time.Duration, error) {
	coord := j.Coordinator()
	if err := j.EnsureBoxCachesInitialized(); err != nil {
		return nil, 0, err
	}
	if err := j.InitializeCompiler(ctx); err != nil {
		return nil, 0, err
	}

	b := broker.New(j, broker.Options{Workers: *workers})
	if err := b.Start(ctx); err != nil {
		return nil, 0, err
	}

	if *watch {
		go func() {
			err := config.Watch(ctx, path, func(n *config.Options) {
				if n.CounterSize == j.Counters().Size() {
					return
				}
				if _, err := j.ResizeAllCounters(ctx, n.CounterSize); err != nil {
					logger.Warn("resize from options file failed", zap.Error(err))
				}
			}, func(err error) {
				logger.Warn("options file watch", zap.Error(err))
			})
			if err != nil {
				logger.Warn("unable to watch options file", zap.String("path", path), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	store := j.Counters()
	submitted := make([]*broker.Task, 0, *tasks)
	for i := 0; i < *tasks; i++ {
		if n := store.Size(); n > 0 {
			store.Increment(mainThread, i%n, 1)
		}
		coord.Poll()

		task := broker.NewTask(fmt.Sprintf("Main.method%d()V", i), *steps, i%2 == 0)
		if err := b.Submit(task); err != nil {
			logger.Warn("task rejected", zap.String("method", task.Method), zap.Error(err))
			continue
		}
		submitted = append(submitted, task)
	}
	if *resize >= 0 {
		if _, err := j.ResizeAllCounters(ctx, *resize); err != nil {
			logger.Warn("resize failed", zap.Error(err))
		}
	}

	coord.Blocking(func() {
		for _, task := range submitted {
			if err := task.Wait(ctx); err != nil {
				logger.Warn("task failed", zap.String("method", task.Method), zap.Error(err))
			}
		}
		if *watch {
			logger.Info("watching options file, interrupt to exit", zap.String("path", path))
			<-ctx.Done()
		}
	})

	var stopErr error
	coord.Blocking(func() { stopErr = b.Stop() })
	return b, time.Since(start), stopErr
}

// report 输出计数器和安全点统计
func report(out io.Writer, j *jvmci.JVMCI, b *broker.Broker, elapsed time.Duration) {
	values, err := j.CollectCounters()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error collecting counters: %v\n", err)
		return
	}
	st := b.Stats()
	stw := j.Coordinator().Stats()

	fmt.Fprintln(out, "=== JVMCI ===")
	fmt.Fprintf(out, "  Compiler threads: %d\n", b.NumWorkers())
	fmt.Fprintf(out, "  Tasks:            %d completed, %d failed, %d steps in %s\n",
		st.Completed, st.Failed, st.Steps, units.HumanDuration(elapsed))
	fmt.Fprintf(out, "  Counters:         %d (%s per thread)\n",
		len(values), units.BytesSize(float64(len(values)*8)))
	for i, v := range values {
		fmt.Fprintf(out, "    [%d] %d\n", i, v)
	}
	fmt.Fprintf(out, "  Safepoints:       %d, max pause %s\n",
		stw.STWCount, time.Duration(stw.MaxSTWTimeNs))
	fmt.Fprintln(out)
}
