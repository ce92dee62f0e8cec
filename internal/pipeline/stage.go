package pipeline

// Outcome tags what happened to one pipeline stage. Control flow never relies
// on panics or sentinel scanning: each stage reports itself and the final
// result aggregates the list.
type Outcome string

const (
	StageCommitted Outcome = "committed"
	StageSkipped   Outcome = "skipped"
	StageFailed    Outcome = "failed"
)

type StageResult struct {
	Stage   string  `json:"stage"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

const (
	stagePrecondition = "precondition"
	stageResolution   = "medication_resolution"
	stageStock        = "stock_reservation"
	stageOrder        = "order_creation"
	stageInvoice      = "invoice_creation"
	stageDocument     = "document_rendering"
	stageNotify       = "notification_dispatch"
)
