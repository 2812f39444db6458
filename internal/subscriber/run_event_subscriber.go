package subscriber

import (
	"context"
	"fmt"

	"github.com/safesection/backend/internal/eventbus"
	"github.com/safesection/backend/internal/model"
	"k8s.io/klog/v2"
)

// RunEventSubscriber 运行事件订阅者,负责进度记账与日志
type RunEventSubscriber struct {
	records runRecordReader
}

type runRecordReader interface {
	GetByRun(runID string) ([]model.CategoryRecord, error)
}

func NewRunEventSubscriber(records runRecordReader) *RunEventSubscriber {
	return &RunEventSubscriber{records: records}
}

func (s *RunEventSubscriber) Register(bus *eventbus.RunEventBus) {
	if bus == nil {
		return
	}
	bus.Subscribe(eventbus.RunEventCreated, s.handleCreated)
	bus.Subscribe(eventbus.RunEventGenerationStarted, s.handleGenerationStarted)
	bus.Subscribe(eventbus.RunEventCategoryDone, s.handleCategoryDone)
	bus.Subscribe(eventbus.RunEventFinalized, s.handleFinalized)
}

func (s *RunEventSubscriber) handleCreated(ctx context.Context, event eventbus.RunEvent) error {
	if event.RunID == "" {
		return fmt.Errorf("运行ID为空")
	}
	klog.V(6).Infof("运行事件: type=%s, runID=%s", event.Type, event.RunID)
	return nil
}

func (s *RunEventSubscriber) handleGenerationStarted(ctx context.Context, event eventbus.RunEvent) error {
	if event.RunID == "" {
		return fmt.Errorf("运行ID为空")
	}
	klog.V(6).Infof("生成已启动: runID=%s", event.RunID)
	return nil
}

func (s *RunEventSubscriber) handleCategoryDone(ctx context.Context, event eventbus.RunEvent) error {
	if event.RunID == "" {
		return fmt.Errorf("运行ID为空")
	}
	records, err := s.records.GetByRun(event.RunID)
	if err != nil {
		klog.Errorf("运行事件处理失败: type=%s, runID=%s, error=%v", event.Type, event.RunID, err)
		return err
	}
	done := 0
	for _, record := range records {
		if record.HazardStatus != "required" && record.HazardStatus != "generating" &&
			record.PlanStatus != "generating" {
			done++
		}
	}
	klog.V(6).Infof("类别进度: runID=%s, category=%s, 已终止=%d/%d", event.RunID, event.Category, done, len(records))
	return nil
}

func (s *RunEventSubscriber) handleFinalized(ctx context.Context, event eventbus.RunEvent) error {
	if event.RunID == "" {
		return fmt.Errorf("运行ID为空")
	}
	klog.V(6).Infof("运行已收尾: runID=%s, status=%s", event.RunID, event.Status)
	return nil
}
