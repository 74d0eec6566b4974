// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package engine 实现有状态会话工作流的核心执行循环。

执行模型是一张静态编译的状态机图：步骤种类（模型调用、工具执行、
结束）与转移表在进程启动时构建一次，之后只读。每完成一个步骤，
引擎把 AgentState 持久化为一个新的检查点；路由器以纯函数方式检视
状态决定下一步。模型调用与工具执行是仅有的阻塞点。

同一 thread 在任意时刻至多允许一个 run 在飞；第二个并发调用按配置
快速失败（ThreadBusy）或排队等待。检查点存储不可达时，引擎为当次
调用降级为仅内存执行并记录日志，而不是让整个请求失败。
*/
package engine
