// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 ChatFlow 运行时的全局共享类型定义。

types 是最底层的公共包，不依赖任何其他 chatflow 包，为 engine、llm、
tools、checkpoint 等上层模块提供统一的类型契约：

  - Message / Role / ToolCall — 对话消息模型（不可变，追加式）
  - AgentState               — 图步骤之间传递的完整会话状态
  - ToolSchema / ToolResult  — 工具定义与执行结果
  - RunConfig                — 单次 run 的调用配置
  - Error / ErrorCode        — 结构化错误体系（含 Retryable 标记）
  - Context 传播             — WithTraceID / WithUserID / WithRunID 等
*/
package types
