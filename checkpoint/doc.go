// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package checkpoint 提供会话线程的持久化快照存储。

每个 thread 是检查点隔离的最小单元：同一 thread 的检查点按 Sequence
全序排列，只追加、写后不可变；引擎总是从 Sequence 最大的检查点恢复。
Sequence 由 Store 在 Append 时分配，调用方不参与编号。

内置三种后端：

  - MemoryStore — 开发与测试
  - RedisStore  — 分布式部署（有序集合按 Sequence 索引）
  - GormStore   — 关系型部署（PostgreSQL / SQLite）

保留与压缩策略属于部署层关注点，不在本包范围内。
*/
package checkpoint
