// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

// Package database 提供关系型数据库连接工厂与连接池管理。
// This package is internal and should not be imported by external projects.
package database
