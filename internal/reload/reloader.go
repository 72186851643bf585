package reload

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-gate/internal/auth"
	"github.com/any-hub/any-gate/internal/config"
	"github.com/any-hub/any-gate/internal/logging"
	"github.com/any-hub/any-gate/internal/metrics"
	"github.com/any-hub/any-gate/internal/routing"
)

// Options 描述热加载所需的依赖。
type Options struct {
	Path     string
	Debounce time.Duration
	// Initial 是启动时已成功构建的快照，作为首个发布版本。
	Initial *Snapshot
	Logger  *logrus.Logger
	Metrics *metrics.Collector
}

// Reloader re-reads the configuration file and atomically swaps in the new
// route table and validator. A failed reload leaves both untouched.
type Reloader struct {
	path       string
	debounce   time.Duration
	routes     *routing.Store
	validators *auth.Holder
	logger     *logrus.Logger
	metrics    *metrics.Collector

	// pending 与 active 仅在持有 mu 时读写。
	mu      sync.Mutex
	pending *Snapshot
	active  *config.Config
}

// New builds a Reloader together with the route store and validator holder
// it publishes to; the pipeline must read from Routes and Validators.
func New(opts Options) (*Reloader, error) {
	if opts.Path == "" {
		return nil, errors.New("reload: config path is required")
	}
	if opts.Initial == nil || opts.Initial.Table == nil {
		return nil, errors.New("reload: initial snapshot is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	r := &Reloader{
		path:       opts.Path,
		debounce:   debounce,
		validators: auth.NewHolder(opts.Initial.Validator),
		logger:     logger,
		metrics:    opts.Metrics,
		active:     opts.Initial.Config,
	}
	r.routes = routing.NewStore(opts.Initial.Table, r.source())
	r.metrics.SetRoutes(opts.Initial.Table.Len())
	return r, nil
}

// Routes returns the store holding the active route table.
func (r *Reloader) Routes() *routing.Store {
	return r.routes
}

// Validators returns the holder of the active token validator.
func (r *Reloader) Validators() *auth.Holder {
	return r.validators
}

// source 从文件重建快照，校验器暂存在 pending，待路由表发布后再发布。
func (r *Reloader) source() routing.Source {
	return func() (*routing.Table, error) {
		snap, err := LoadFile(r.path)
		if err != nil {
			return nil, err
		}
		r.pending = snap
		return snap.Table, nil
	}
}

// Reload 读取配置并发布。校验器在路由表之后发布；公开路由不受影响，
// 受保护路由在两次发布之间最多看到旧校验器。
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	r.pending = nil
	table, err := r.routes.Reload()
	fields := logging.BaseFields("config_reload", r.path)
	if err != nil {
		current := 0
		if t := r.routes.Current(); t != nil {
			current = t.Len()
		}
		r.metrics.ObserveReload(false, current)
		r.logger.WithFields(fields).WithError(err).Error("配置热加载失败，继续使用当前路由表")
		return err
	}

	if r.pending != nil && r.pending.Validator != nil {
		r.validators.Publish(r.pending.Validator)
		logging.ReportDisabledChecks(r.logger, r.pending.Config.Auth)
	}
	if r.pending != nil {
		if changed := restartOnlyChanges(r.active, r.pending.Config); len(changed) > 0 {
			r.logger.WithFields(logging.BaseFields("reload_requires_restart", r.path)).
				WithField("settings", changed).
				Warn("部分配置仅在重启后生效，本次热加载未应用")
		}
		r.active = r.pending.Config
	}
	r.pending = nil

	r.metrics.ObserveReload(true, table.Len())
	fields["routes"] = table.Len()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.logger.WithFields(fields).Info("配置热加载完成")
	return nil
}

// Run watches the config file's directory and SIGHUP until ctx is done.
// Bursts of file events collapse into one reload after the debounce interval.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// 监听目录而不是文件本身，编辑器的原子替换（rename）也能被捕获。
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(r.path)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	r.logger.WithFields(logging.BaseFields("reload_watch", r.path)).
		WithField("debounce_ms", r.debounce.Milliseconds()).
		Info("watching configuration for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-hup:
			r.logger.WithFields(logging.BaseFields("reload_signal", r.path)).Info("SIGHUP received")
			_ = r.Reload()

		case <-timer.C:
			_ = r.Reload()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// 连续事件只重置计时器
			timer.Reset(r.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithFields(logging.BaseFields("reload_watch", r.path)).
				WithError(err).Warn("file watcher error")
		}
	}
}
