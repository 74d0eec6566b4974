// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package tools 提供工具注册中心与执行器。

所有工具通过统一的 ToolFunc 签名接入：给定已校验的参数返回结果或
带类型的错误。执行失败（未注册、参数校验失败、超时、业务错误）一律
转化为携带结构化错误负载的 ToolResult，而不是向引擎抛异常——会话
在模型获知失败后继续推进。

同一条 assistant 消息携带的多个工具调用并行执行，结果按原始发射
顺序合并，保证同一检查点序列可被确定性重放。
*/
package tools
