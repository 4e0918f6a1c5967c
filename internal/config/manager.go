package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/junbin-yang/go-tripfsm/pkg/logger"
)

// Manager 配置管理器：加载、环境变量覆盖、热加载
type Manager struct {
	mu         sync.RWMutex
	cfg        *Config
	path       string
	appName    string
	envFiles   []string
	paths      []string
	serializer Serializer

	debounce  time.Duration
	watcher   *fsnotify.Watcher
	watchQuit chan struct{}
	closeOnce sync.Once

	callbacks []func(old, new *Config)
}

// NewManager 创建配置管理器
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		appName: "tripd",
		paths: []string{
			"./{{.AppName}}",
			"{{.ExecDir}}/{{.AppName}}",
			"/etc/{{.AppName}}/{{.AppName}}",
		},
		envFiles:  []string{".env"},
		debounce:  500 * time.Millisecond,
		watchQuit: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置文件，path 为空时按默认路径查找，找不到则只使用默认值和环境变量
func (m *Manager) Load(path string) (*Config, error) {
	if err := loadEnvFiles(m.envFiles); err != nil {
		return nil, fmt.Errorf("load env files failed: %w", err)
	}

	if path == "" {
		path = m.findDefaultConfigPath()
	} else if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	cfg, err := m.decode(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.path = path
	if path != "" {
		m.serializer = serializerFor(path)
	}
	m.mu.Unlock()
	return cfg, nil
}

// Config 返回当前配置，调用方不应修改
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Path 返回实际加载的配置文件路径
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(fn func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Reload 重新读取配置文件，校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()

	if path == "" {
		return errors.New("config path not initialized")
	}

	cfg, err := m.decode(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	callbacks := make([]func(old, new *Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, cfg)
	}
	return nil
}

// Watch 监听配置文件所在目录，文件变化后防抖重载
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return errors.New("config path not initialized")
	}
	if m.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher failed: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("add watch path failed: %w", err)
	}
	m.watcher = w

	go m.watchLoop(w, filepath.Clean(m.path))
	return nil
}

// Close 停止监听
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.watchQuit)
		m.mu.Lock()
		if m.watcher != nil {
			m.watcher.Close()
			m.watcher = nil
		}
		m.mu.Unlock()
	})
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, target string) {
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(m.debounce)
			}

		case <-debounceTimer.C:
			if err := m.Reload(); err != nil {
				logger.Warn("config auto reload failed", logger.String("path", target), logger.Err(err))
			} else {
				logger.Info("config auto reloaded", logger.String("path", target))
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watch error", logger.Err(err))

		case <-m.watchQuit:
			return
		}
	}
}

// decode 默认值 -> 配置文件 -> 环境变量 -> 校验
func (m *Manager) decode(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file failed: %w", err)
		}
		s := serializerFor(path)
		if err := s.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config failed (%s): %w", s.GetName(), err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// findDefaultConfigPath 依次尝试默认路径及各格式后缀
func (m *Manager) findDefaultConfigPath() string {
	execPath, _ := os.Executable()
	execDir := filepath.Dir(execPath)

	for _, tpl := range m.paths {
		base := replacePathVars(tpl, map[string]string{
			"AppName": m.appName,
			"ExecDir": execDir,
		})
		for _, ext := range []string{".yml", ".yaml", ".json"} {
			if validateConfigPath(base+ext) == nil {
				return base + ext
			}
		}
	}
	return ""
}

// Load 使用默认选项加载配置
func Load(path string) (*Config, error) {
	return NewManager().Load(path)
}
