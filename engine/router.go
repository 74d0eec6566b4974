package engine

import "github.com/BaSui01/chatflow/types"

// Route 纯路由决策：给定相同状态必然返回相同结果，无副作用，
// 以保证检查点序列可重放。决策优先级：
//
//  1. 步数达到上限 → 终止
//  2. 状态携带显式停止信号 → 终止
//  3. 最新 assistant 消息没有工具调用 → 终止
//  4. 否则 → 继续执行工具
func Route(state *types.AgentState, maxSteps int) Decision {
	if maxSteps > 0 && state.Steps >= maxSteps {
		return DecisionTerminate
	}
	if state.Stop {
		return DecisionTerminate
	}
	if len(state.PendingToolCalls()) == 0 {
		return DecisionTerminate
	}
	return DecisionContinueWithTools
}
