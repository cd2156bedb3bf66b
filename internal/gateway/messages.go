package gateway

import "encoding/json"

// Intent types sent by the presentation surface.
const (
	IntentNewTask               = "newTask"
	IntentAPIConfiguration      = "apiConfiguration"
	IntentAutoApprovalSettings  = "autoApprovalSettings"
	IntentAskResponse           = "askResponse"
	IntentClearTask             = "clearTask"
	IntentShowTaskWithID        = "showTaskWithId"
	IntentDeleteTaskWithID      = "deleteTaskWithId"
	IntentResetState            = "resetState"
	IntentCancelTask            = "cancelTask"
	IntentWebviewDidLaunch      = "webviewDidLaunch"
	IntentDidShowAnnouncement   = "didShowAnnouncement"
	IntentCustomInstructions    = "customInstructions"
	IntentRefreshOpenRouter     = "refreshOpenRouterModels"
	IntentRequestOllamaModels   = "requestOllamaModels"
	IntentRequestLMStudioModels = "requestLmStudioModels"
)

// Push types sent to the presentation surface.
const (
	PushState            = "state"
	PushTheme            = "theme"
	PushOpenRouterModels = "openRouterModels"
	PushAction           = "action"
	PushPartialMessage   = "partialMessage"
	PushOllamaModels     = "ollamaModels"
	PushLMStudioModels   = "lmStudioModels"
	PushError            = "error"
)

// Actions carried by an action push.
const (
	ActionDidBecomeVisible  = "didBecomeVisible"
	ActionChatButtonClicked = "chatButtonClicked"
)

// Intent is one message from the presentation surface. Only the fields for
// its Type are set.
type Intent struct {
	Type                 string          `json:"type"`
	Text                 string          `json:"text,omitempty"`
	Images               []string        `json:"images,omitempty"`
	AskResponse          string          `json:"askResponse,omitempty"`
	APIConfiguration     map[string]any  `json:"apiConfiguration,omitempty"`
	AutoApprovalSettings json.RawMessage `json:"autoApprovalSettings,omitempty"`
	Bool                 *bool           `json:"bool,omitempty"`
}

// Push is one message to the presentation surface.
type Push struct {
	Type             string          `json:"type"`
	State            any             `json:"state,omitempty"`
	Text             string          `json:"text,omitempty"`
	Action           string          `json:"action,omitempty"`
	Theme            json.RawMessage `json:"theme,omitempty"`
	OpenRouterModels any             `json:"openRouterModels,omitempty"`
	OllamaModels     []string        `json:"ollamaModels,omitempty"`
	LMStudioModels   []string        `json:"lmStudioModels,omitempty"`
	PartialMessage   any             `json:"partialMessage,omitempty"`
}

// ErrorPush builds an error push with a user-facing message.
func ErrorPush(msg string) Push {
	return Push{Type: PushError, Text: msg}
}
