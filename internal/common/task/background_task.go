package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
	cancel     context.CancelFunc
}

// BackgroundTaskManager runs functions periodically, each on its own goroutine, and records how
// long each run took. A panic in a task is logged and the task carries on at its next interval.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then every interval until ctx is done or StopAll is called.
func (m *BackgroundTaskManager) Register(ctx context.Context, backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
		cancel:     cancel,
	}
	m.startBackgroundTask(taskCtx, task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits for running invocations to return.
// Returns true if the timeout expired before all tasks stopped.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx context.Context, task *task) {
	taskDurationHistogram := promauto.With(m.registerer).NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			runSafely(ctx, task)
			taskDurationHistogram.Observe(time.Since(start).Seconds())

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func runSafely(ctx context.Context, task *task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", task.metricName).Errorf("background task panicked: %v", fmt.Sprint(r))
		}
	}()
	task.function(ctx)
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.cancel()
	}
}
