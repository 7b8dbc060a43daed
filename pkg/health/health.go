// Package health 健康检查
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Check 单项就绪检查
type Check func(ctx context.Context) error

// Checker 聚合就绪检查
type Checker struct {
	mu     sync.Mutex
	checks map[string]Check
}

// NewChecker 创建检查器
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]Check)}
}

// Register 注册检查项
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// LivenessHandler 存活探针，进程在即 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessHandler 就绪探针，任一检查失败返回 503
func (c *Checker) ReadinessHandler(timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		c.mu.Lock()
		checks := make(map[string]Check, len(c.checks))
		for name, check := range c.checks {
			checks[name] = check
		}
		c.mu.Unlock()

		result := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				result[name] = err.Error()
				healthy = false
			} else {
				result[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}
