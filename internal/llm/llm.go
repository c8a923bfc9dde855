package llm

import "context"

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunExpired        RunStatus = "expired"
	RunCancelled      RunStatus = "cancelled"
	RunRequiresAction RunStatus = "requires_action"
)

// Terminal reports whether the run will make no further progress.
func (s RunStatus) Terminal() bool {
	return s != RunQueued && s != RunInProgress
}

type Run struct {
	ID        string
	Status    RunStatus
	LastError string
}

type Message struct {
	ID   string
	Role string
	Text string
}

type RunParams struct {
	AssistantID      string
	Model            string
	Instructions     string
	VectorStoreIDs   []string
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
	MaxOutputTokens  int
	ResponseFormat   string
}

// Service is the fixed surface of the hosted assistants API consumed by
// the relay. There is exactly one implementation wired at build time.
type Service interface {
	CreateAssistant(ctx context.Context, name, instructions, model string) (string, error)
	CreateThread(ctx context.Context) (string, error)
	CreateVectorStore(ctx context.Context, name string) (string, error)
	UploadFile(ctx context.Context, filename string, data []byte) (string, error)
	// AttachFileToVectorStore registers an uploaded file against a vector
	// store and blocks until indexing reaches a terminal state.
	AttachFileToVectorStore(ctx context.Context, storeID, fileID string) error
	AppendMessage(ctx context.Context, threadID, role, content string) error
	StartRun(ctx context.Context, threadID string, params RunParams) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	ListRecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}
