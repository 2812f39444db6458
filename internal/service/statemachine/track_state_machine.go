package statemachine

import (
	"fmt"

	"k8s.io/klog/v2"
)

// TrackStatus 定义类别生成轨道的所有可能状态
// 危害分析轨道与安全计划轨道各自独立持有一份状态
type TrackStatus string

const (
	TrackStatusRequired    TrackStatus = "required"                      // 等待生成（初始态）
	TrackStatusGenerating  TrackStatus = "generating"                    // 正在生成
	TrackStatusComplete    TrackStatus = "complete"                      // 生成完成（终止态）
	TrackStatusPending     TrackStatus = "pending_insufficient_evidence" // 证据不足待定（终止态）
	TrackStatusNotRequired TrackStatus = "not_required"                  // 类别无映射代码，不需要生成
)

// TrackTransition 定义轨道状态迁移
type TrackTransition struct {
	From TrackStatus
	To   TrackStatus
}

// TrackStateMachine 轨道状态机
// 终止态没有自动重试迁移：重新尝试需要新的 run
type TrackStateMachine struct {
	// 定义所有合法的状态迁移
	allowedTransitions map[TrackTransition]bool
}

// NewTrackStateMachine 创建新的轨道状态机
func NewTrackStateMachine() *TrackStateMachine {
	sm := &TrackStateMachine{
		allowedTransitions: make(map[TrackTransition]bool),
	}

	// 合法迁移路径
	// required -> generating -> complete/pending_insufficient_evidence
	transitions := []TrackTransition{
		{TrackStatusRequired, TrackStatusGenerating},
		{TrackStatusGenerating, TrackStatusComplete},
		{TrackStatusGenerating, TrackStatusPending},
	}

	for _, t := range transitions {
		sm.allowedTransitions[t] = true
	}

	return sm
}

// CanTransition 检查状态迁移是否合法
func (sm *TrackStateMachine) CanTransition(from, to TrackStatus) bool {
	if from == to {
		return false // 不允许状态不变
	}
	return sm.allowedTransitions[TrackTransition{From: from, To: to}]
}

// ValidateTransition 验证状态迁移并返回错误
func (sm *TrackStateMachine) ValidateTransition(from, to TrackStatus) error {
	if !sm.CanTransition(from, to) {
		return &InvalidTrackTransitionError{
			From: string(from),
			To:   string(to),
		}
	}
	return nil
}

// Transition 执行状态迁移（带日志）
func (sm *TrackStateMachine) Transition(from, to TrackStatus, category string) error {
	if err := sm.ValidateTransition(from, to); err != nil {
		klog.V(6).Infof("轨道状态迁移被拒绝: category=%s, %s -> %s, error=%v",
			category, from, to, err)
		return err
	}

	klog.V(6).Infof("轨道状态迁移成功: category=%s, %s -> %s", category, from, to)
	return nil
}

// InvalidTrackTransitionError 无效的轨道状态迁移错误
type InvalidTrackTransitionError struct {
	From string
	To   string
}

func (e *InvalidTrackTransitionError) Error() string {
	return fmt.Sprintf("invalid track state transition: %s -> %s", e.From, e.To)
}

// IsTerminal 判断状态是否为终止态（不能再迁移）
func IsTerminal(status TrackStatus) bool {
	return status == TrackStatusComplete || status == TrackStatusPending || status == TrackStatusNotRequired
}
