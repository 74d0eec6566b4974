package engine

import "fmt"

// Step 步骤种类。图是静态的：步骤枚举 + 转移表，启动时构建一次，永不变更。
type Step int

const (
	// StepModel 调用模型产出一条 assistant 消息。
	StepModel Step = iota
	// StepTools 执行最新 assistant 消息携带的工具调用。
	StepTools
	// StepDone 终止状态。
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepModel:
		return "model"
	case StepTools:
		return "tools"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Decision 路由决策。
type Decision int

const (
	// DecisionContinueWithTools 最新 assistant 消息携带待执行的工具调用。
	DecisionContinueWithTools Decision = iota
	// DecisionTerminate 结束本次 run。
	DecisionTerminate
)

func (d Decision) String() string {
	switch d {
	case DecisionContinueWithTools:
		return "continue_with_tools"
	case DecisionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// transitions 是 (step, decision) -> next step 的静态转移表。
var transitions = map[Step]map[Decision]Step{
	StepModel: {
		DecisionContinueWithTools: StepTools,
		DecisionTerminate:         StepDone,
	},
	StepTools: {
		// 工具结果合并后无条件回到模型步骤
		DecisionContinueWithTools: StepModel,
		DecisionTerminate:         StepModel,
	},
}

// Next 查询转移表。未定义的转移是编程错误。
func Next(step Step, decision Decision) (Step, error) {
	row, ok := transitions[step]
	if !ok {
		return StepDone, fmt.Errorf("no transitions defined for step %s", step)
	}
	next, ok := row[decision]
	if !ok {
		return StepDone, fmt.Errorf("no transition for (%s, %s)", step, decision)
	}
	return next, nil
}
