package types

// RunConfig 是单次 run 的调用配置，由 API 层在调用边界传入。
// 模型与温度等是配置值而非硬编码；为零的字段使用引擎默认值。
type RunConfig struct {
	// Model 指定本次调用使用的模型名（空则使用 Invoker 默认）。
	Model string `json:"model,omitempty"`
	// Temperature 采样温度。
	Temperature float32 `json:"temperature,omitempty"`
	// MaxTokens 单次补全的 token 上限。
	MaxTokens int `json:"max_tokens,omitempty"`
	// MaxSteps 覆盖引擎的步数上限（0 表示使用引擎默认值）。
	MaxSteps int `json:"max_steps,omitempty"`
	// UserID 调用方传入的用户标识（可选）。
	UserID string `json:"user_id,omitempty"`
	// Context 调用方附带的领域元数据，合并进 AgentState.Context。
	Context map[string]string `json:"context,omitempty"`
}
