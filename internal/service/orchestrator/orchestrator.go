package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/service/recorder"
	"k8s.io/klog/v2"
)

// -----------------------------
// Job 定义
// -----------------------------
// Job 一个类别生成作业,同一 run 内的类别彼此独立,可并行执行
type Job struct {
	RunID      string
	Category   model.Category
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	Timeout    time.Duration

	done     chan error
	onceDone sync.Once
}

// -----------------------------
// CategoryExecutor 接口
// -----------------------------
type CategoryExecutor interface {
	ExecuteCategory(ctx context.Context, runID string, category model.Category) error
}

// -----------------------------
// 错误定义
// -----------------------------
var (
	ErrOrchestratorStopped = errors.New("orchestrator is stopped")
	ErrQueueFull           = errors.New("job queue is full")
)

// NewCategoryJob
// 说明：创建一个类别生成作业，初始化重试计数与超时
// 参数：runID 运行ID；category 类别
// 返回：*Job 初始化后的作业对象
func NewCategoryJob(runID string, category model.Category, timeout time.Duration) *Job {
	return &Job{
		RunID:      runID,
		Category:   category,
		EnqueuedAt: time.Now(),
		RetryCount: 0,
		MaxRetries: 2,
		Timeout:    timeout,
		done:       make(chan error, 1),
	}
}

func (j *Job) key() string {
	return j.RunID + "/" + string(j.Category)
}

func (j *Job) finish(err error) {
	j.onceDone.Do(func() {
		j.done <- err
		close(j.done)
	})
}

// Wait 阻塞直到作业终止或调用方上下文取消
func (j *Job) Wait(ctx context.Context) error {
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------
// Orchestrator
// -----------------------------
type Orchestrator struct {
	jobQueue    *jobQueue
	retryQueue  *jobQueue
	retryTicker *time.Ticker

	pool *ants.Pool

	executor CategoryExecutor

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	activeCancellations map[string]context.CancelFunc
	cancelMutex         sync.Mutex
}

// -----------------------------
// 构造函数
// -----------------------------
func NewOrchestrator(maxWorkers int, executor CategoryExecutor) (*Orchestrator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	jobQ := newJobQueue(120)
	retryQ := newJobQueue(120)

	pool, err := ants.NewPool(maxWorkers,
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(1000),
		ants.WithExpiryDuration(5*time.Minute),
	)
	if err != nil {
		cancel()
		klog.Errorf("ants pool initialization failed: %v", err)
		return nil, err
	}

	return &Orchestrator{
		jobQueue:            jobQ,
		retryQueue:          retryQ,
		retryTicker:         time.NewTicker(500 * time.Millisecond),
		pool:                pool,
		activeCancellations: make(map[string]context.CancelFunc),
		executor:            executor,
		ctx:                 ctx,
		cancel:              cancel,
	}, nil
}

// -----------------------------
// 启动
// -----------------------------
func (o *Orchestrator) Start() {
	go o.dispatchLoop()
	go o.processRetryQueue()
}

// -----------------------------
// 停止
// -----------------------------
// Stop 停止接收新作业，在途类别允许跑完并记录终止状态后才返回
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		klog.V(6).Infof("Orchestrator stopping...")

		o.cancel()
		o.jobQueue.Close()
		o.retryQueue.Close()

		for {
			if o.jobQueue.Len() == 0 && o.retryQueue.Len() == 0 {
				break
			}
			time.Sleep(100 * time.Millisecond)
			klog.V(6).Infof("Waiting for queues to empty: main=%d, retry=%d", o.jobQueue.Len(), o.retryQueue.Len())
		}

		running := o.pool.Running()
		if running > 0 {
			klog.V(6).Infof("Waiting for %d running category jobs to complete", running)
		}

		// 等待在途类别完成,超时需覆盖单类别超时
		timeout := 15 * time.Minute
		if rErr := o.pool.ReleaseTimeout(timeout); rErr == nil {
			klog.V(6).Infof("All running category jobs completed before timeout")
		} else {
			klog.Warningf("Timeout after %v: some category jobs may be forced to stop", timeout)
		}

		klog.V(6).Infof("Orchestrator stopped completely")
	})
}

// -----------------------------
// 入队作业
// -----------------------------
func (o *Orchestrator) EnqueueJob(job *Job) error {
	select {
	case <-o.ctx.Done():
		return ErrOrchestratorStopped
	default:
	}

	if err := o.jobQueue.Enqueue(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			klog.Warningf("Job queue full: run=%s, category=%s", job.RunID, job.Category)
		}
		return err
	}
	klog.V(6).Infof("Job enqueued: run=%s, category=%s", job.RunID, job.Category)
	return nil
}

func (o *Orchestrator) EnqueueBatch(jobs []*Job) error {
	var failed int
	for _, job := range jobs {
		if err := o.EnqueueJob(job); err != nil {
			klog.Warningf("Batch enqueue failed: run=%s, category=%s, err=%v", job.RunID, job.Category, err)
			job.finish(err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to enqueue %d jobs (total %d)", failed, len(jobs))
	}
	return nil
}

// -----------------------------
// 取消作业
// -----------------------------
func (o *Orchestrator) registerCancel(key string, cancel context.CancelFunc) {
	o.cancelMutex.Lock()
	defer o.cancelMutex.Unlock()
	o.activeCancellations[key] = cancel
}

func (o *Orchestrator) unregisterCancel(key string) {
	o.cancelMutex.Lock()
	defer o.cancelMutex.Unlock()
	delete(o.activeCancellations, key)
}

// CancelRun 取消一次 run 的所有在途类别作业。
// 取消是协作式的：执行中的类别收到上下文取消后自行收尾并落库终止状态。
func (o *Orchestrator) CancelRun(runID string) int {
	o.cancelMutex.Lock()
	var cancels []context.CancelFunc
	prefix := runID + "/"
	for key, cancel := range o.activeCancellations {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancels = append(cancels, cancel)
		}
	}
	o.cancelMutex.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		klog.V(6).Infof("Cancelling run: run=%s, 在途类别=%d", runID, len(cancels))
	}
	return len(cancels)
}

// -----------------------------
// Dispatch Loop
// -----------------------------
func (o *Orchestrator) dispatchLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
			job, ok := o.jobQueue.Dequeue()
			if !ok {
				continue
			}
			o.tryDispatch(job)
		}
	}
}

// -----------------------------
// Retry Queue Loop
// -----------------------------
func (o *Orchestrator) processRetryQueue() {
	defer o.retryTicker.Stop()
	// 增加协程级Panic防护，避免协程退出
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Retry queue loop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.retryTicker.C:
			for i := 0; i < 10; i++ {
				job, ok := o.retryQueue.Dequeue()
				if !ok {
					break
				}
				// 单个作业Panic不影响整个循环
				func() {
					defer func() {
						if r := recover(); r != nil {
							klog.Errorf("Retry dispatch panic: run=%s, category=%s, err=%v",
								job.RunID, job.Category, r)
						}
					}()
					o.tryDispatch(job)
				}()
			}
		}
	}
}

// -----------------------------
// Try Dispatch
// -----------------------------
// tryDispatch
// 说明：尝试把作业提交到协程池；池提交失败时按重试上限进入重试队列
// 参数：job 待执行的作业
func (o *Orchestrator) tryDispatch(job *Job) {
	if job.MaxRetries <= 0 || job.RetryCount >= job.MaxRetries {
		klog.Warningf("作业重试已达上限，放弃入队: run=%s, category=%s, retry=%d/%d",
			job.RunID, job.Category, job.RetryCount, job.MaxRetries)
		job.finish(fmt.Errorf("category job gave up after %d retries", job.RetryCount))
		return
	}
	if err := o.pool.Submit(func() {
		o.executeJob(job)
	}); err == nil {
		return
	} else {
		klog.Errorf("提交作业到协程池失败: run=%s, category=%s, err=%v", job.RunID, job.Category, err)
	}

	job.RetryCount++
	if err := o.retryQueue.Enqueue(job); err != nil {
		klog.Errorf("作业重试入队失败: run=%s, category=%s, err=%v", job.RunID, job.Category, err)
		job.finish(err)
	}
}

// executeJob 统一控制重试与取消注册
func (o *Orchestrator) executeJob(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Category job panic recovered: run=%s, category=%s, err=%v", job.RunID, job.Category, r)
			o.unregisterCancel(job.key())
			job.finish(fmt.Errorf("category job panic: %v", r))
		}
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()
	runCtx, manualCancel := context.WithCancel(ctx)
	defer manualCancel()

	o.registerCancel(job.key(), manualCancel)
	defer o.unregisterCancel(job.key())

	var lastErr error
	for i := job.RetryCount; i < job.MaxRetries; i++ {
		job.RetryCount = i

		lastErr = o.executor.ExecuteCategory(runCtx, job.RunID, job.Category)
		if lastErr == nil {
			klog.V(6).Infof("Category job completed: run=%s, category=%s", job.RunID, job.Category)
			job.finish(nil)
			return
		}
		if errors.Is(lastErr, recorder.ErrAuditWriteFailure) {
			// 审计写入失败不可重试：立即上报,由 run 级处理终止本次运行
			klog.Errorf("类别作业审计写入失败，终止重试: run=%s, category=%s, err=%v",
				job.RunID, job.Category, lastErr)
			job.finish(lastErr)
			return
		}

		backoff := time.Second << i
		if backoff > time.Minute {
			backoff = time.Minute
		}

		klog.Warningf("类别作业重试失败: run=%s, category=%s, retry=%d/%d, err=%v, backoff=%v",
			job.RunID, job.Category, i+1, job.MaxRetries, lastErr, backoff)

		select {
		case <-runCtx.Done():
			klog.Warningf("类别作业被取消或超时: run=%s, category=%s", job.RunID, job.Category)
			job.finish(runCtx.Err())
			return
		case <-time.After(backoff):
		}
	}

	klog.Errorf("类别作业执行失败且超过重试上限: run=%s, category=%s", job.RunID, job.Category)
	job.finish(lastErr)
}

// -----------------------------
// Queue Status
// -----------------------------
type QueueStatus struct {
	QueueLength   int `json:"queue_length"`
	ActiveWorkers int `json:"active_workers"`
}

func (o *Orchestrator) GetQueueStatus() *QueueStatus {
	return &QueueStatus{
		QueueLength:   o.jobQueue.Len(),
		ActiveWorkers: o.pool.Running(),
	}
}

// -----------------------------
// JobQueue (Ring Buffer) + Reject New
// -----------------------------
type jobQueue struct {
	maxSize int
	items   []*Job
	mutex   sync.Mutex
	cond    *sync.Cond
	closed  bool
}

func newJobQueue(maxSize int) *jobQueue {
	q := &jobQueue{
		maxSize: maxSize,
		items:   make([]*Job, 0, maxSize),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *jobQueue) Enqueue(job *Job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return ErrOrchestratorStopped
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull // Reject New
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return nil
}

func (q *jobQueue) Dequeue() (*Job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job, true
}

func (q *jobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *jobQueue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mutex.Unlock()
}

// -------------------- Global Orchestrator --------------------
var (
	globalOrchestrator *Orchestrator
	orchestratorOnce   sync.Once
)

func InitGlobalOrchestrator(maxWorkers int, executor CategoryExecutor) error {
	var initErr error
	orchestratorOnce.Do(func() {
		orch, err := NewOrchestrator(maxWorkers, executor)
		if err != nil {
			initErr = err
			return
		}
		globalOrchestrator = orch
		globalOrchestrator.Start()
		klog.V(6).Infof("Global orchestrator initialized: maxWorkers=%d", maxWorkers)
	})
	return initErr
}

func GetGlobalOrchestrator() *Orchestrator {
	return globalOrchestrator
}

func ShutdownGlobalOrchestrator() {
	if globalOrchestrator != nil {
		globalOrchestrator.Stop()
		klog.V(6).Infof("Global orchestrator shutdown")
	}
}
