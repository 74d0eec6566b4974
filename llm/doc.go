// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package llm 定义统一的模型 Provider 接口与带弹性的 Invoker。

Provider 是外部模型服务的适配边界；具体厂商实现由宿主进程注入，
本包不内置任何厂商 SDK。Invoker 在 Provider 之上叠加单次超时、
指数退避重试与备用模型降级：全部耗尽后返回一条标记失败的合成
assistant 消息而不是向上抛异常，保证引擎总能产出良构的终止状态。
*/
package llm
