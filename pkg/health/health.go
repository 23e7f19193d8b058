package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"video_worker/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe 檢查一個依賴是否可用
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe Probe
}

// Checker 彙整 broker、record store、blob store 等依賴的狀態
// 結果同步到 gRPC health server，service name 為空字串代表整個 process
type Checker struct {
	timeout time.Duration
	probes  []namedProbe

	mu      sync.RWMutex
	results map[string]error
	checked bool

	grpc *health.Server
}

// NewChecker create checker, 每個 probe 最多執行 timeout
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Checker{
		timeout: timeout,
		results: map[string]error{},
		grpc:    health.NewServer(),
	}
	c.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Register add probe, 必須在 Check / Run 之前呼叫
func (c *Checker) Register(name string, p Probe) {
	c.probes = append(c.probes, namedProbe{name: name, probe: p})
}

// GRPCServer 回傳可註冊到 grpc.Server 的 health service
func (c *Checker) GRPCServer() *health.Server {
	return c.grpc
}

// Check 並行執行所有 probe 並更新狀態
func (c *Checker) Check(ctx context.Context) map[string]error {
	results := make([]error, len(c.probes))
	var g errgroup.Group
	for i, p := range c.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			results[i] = p.probe(pctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(c.probes))
	ready := true
	for i, p := range c.probes {
		out[p.name] = results[i]
		if results[i] != nil {
			ready = false
			logger.Log.Warn("dependency unhealthy", zap.String("dependency", p.name), zap.Error(results[i]))
		}
	}

	c.mu.Lock()
	c.results = out
	c.checked = true
	c.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.grpc.SetServingStatus("", status)
	return out
}

// Ready 回傳最近一次檢查結果，尚未檢查過視為 not ready
func (c *Checker) Ready() (bool, map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := make(map[string]string, len(c.results))
	ready := c.checked
	for name, err := range c.results {
		if err != nil {
			report[name] = err.Error()
			ready = false
			continue
		}
		report[name] = "ok"
	}
	return ready, report
}

// Names registered probe names, sorted
func (c *Checker) Names() []string {
	names := make([]string, 0, len(c.probes))
	for _, p := range c.probes {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}

// Run 立即檢查一次，之後每 interval 檢查，ctx 結束時標記 NOT_SERVING
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.grpc.Shutdown()
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
