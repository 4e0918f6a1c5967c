package config

import "time"

// Option 配置管理器选项
type Option func(*Manager)

// WithAppName 设置应用名称（用于默认配置文件名）
func WithAppName(name string) Option {
	return func(m *Manager) {
		m.appName = name
	}
}

// WithDefaultPaths 设置默认配置文件查找路径（不含后缀）
func WithDefaultPaths(paths ...string) Option {
	return func(m *Manager) {
		m.paths = paths
	}
}

// WithEnvFiles 设置需要预加载的 .env 文件
func WithEnvFiles(files ...string) Option {
	return func(m *Manager) {
		m.envFiles = files
	}
}

// WithWatchDebounce 设置热加载防抖间隔
func WithWatchDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}
