package eventbus

type RunEventType string

const (
	RunEventCreated           RunEventType = "RunCreated"
	RunEventOverrideApplied   RunEventType = "OverrideApplied"
	RunEventGenerationStarted RunEventType = "GenerationStarted"
	RunEventCategoryDone      RunEventType = "CategoryDone"
	RunEventFinalized         RunEventType = "RunFinalized"
)

type RunEvent struct {
	Type     RunEventType
	RunID    string
	Category string // CategoryDone 事件携带
	Status   string // RunFinalized 事件携带最终状态
}

type RunEventHandler = Handler[RunEvent]
type RunEventBus = Bus[RunEventType, RunEvent]

func NewRunEventBus() *RunEventBus {
	return NewBus[RunEventType, RunEvent]()
}
